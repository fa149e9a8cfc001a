package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. IMGATE_DAEMON_PORT.
const EnvPrefix = "IMGATE"

// Config holds all gateway configuration
type Config struct {
	IRC           IRC           `yaml:"irc" mapstructure:"irc"`
	Daemon        Daemon        `yaml:"daemon" mapstructure:"daemon"`
	Path          Path          `yaml:"path" mapstructure:"path"`
	FileTransfers FileTransfers `yaml:"file_transfers" mapstructure:"file_transfers"`
	Buddies       Buddies       `yaml:"buddies" mapstructure:"buddies"`
	Admin         Admin         `yaml:"admin" mapstructure:"admin"`
	Logging       Logging       `yaml:"logging" mapstructure:"logging"`
}

// IRC configures the IRC side of every session.
type IRC struct {
	Hostname      string            `yaml:"hostname" mapstructure:"hostname" validate:"required,hostname_rfc1123"`
	Type          string            `yaml:"type" mapstructure:"type" validate:"oneof=daemon inetd"`
	Ping          time.Duration     `yaml:"ping" mapstructure:"ping" validate:"gt=0"`
	StatusChannel string            `yaml:"status_channel" mapstructure:"status_channel" validate:"required,startswith=&"`
	MOTD          string            `yaml:"motd" mapstructure:"motd"`
	Opers         map[string]string `yaml:"opers" mapstructure:"opers"`
}

// Daemon configures the listener used in daemon mode.
type Daemon struct {
	Bind       string `yaml:"bind" mapstructure:"bind" validate:"required"`
	Port       int    `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	Background bool   `yaml:"background" mapstructure:"background"`
	MaxConn    int    `yaml:"maxcon" mapstructure:"maxcon" validate:"gte=0"`
}

// Path locates on-disk state.
type Path struct {
	Data  string `yaml:"data" mapstructure:"data" validate:"required"`
	Users string `yaml:"users" mapstructure:"users" validate:"required"`
}

// FileTransfers configures DCC.
type FileTransfers struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	PortMin int           `yaml:"port_min" mapstructure:"port_min" validate:"min=1,max=65535"`
	PortMax int           `yaml:"port_max" mapstructure:"port_max" validate:"min=1,max=65535,gtefield=PortMin"`
	OwnIP   string        `yaml:"own_ip" mapstructure:"own_ip" validate:"omitempty,ipv4"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
}

// Buddies configures buddy routing and the loopback backend.
type Buddies struct {
	PublicWindow time.Duration `yaml:"public_window" mapstructure:"public_window" validate:"gt=0"`
	SendDelay    time.Duration `yaml:"send_delay" mapstructure:"send_delay" validate:"gte=0"`
}

// Admin configures the HTTP admin surface. An empty Bind disables it.
type Admin struct {
	Bind string `yaml:"bind" mapstructure:"bind" validate:"omitempty,hostname_port"`
}

// Logging configures the logger.
type Logging struct {
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		IRC: IRC{
			Hostname:      "imgate.localhost",
			Type:          "daemon",
			Ping:          60 * time.Second,
			StatusChannel: "&imgate",
			MOTD:          "motd.txt",
			Opers:         map[string]string{},
		},
		Daemon: Daemon{
			Bind: "0.0.0.0",
			Port: 6667,
		},
		Path: Path{
			Data:  "./data",
			Users: "./data/users",
		},
		FileTransfers: FileTransfers{
			Enabled: true,
			PortMin: 1024,
			PortMax: 65535,
			Timeout: 5 * time.Minute,
		},
		Buddies: Buddies{
			PublicWindow: time.Hour,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads and parses a YAML configuration file, then applies
// IMGATE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration data on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	// Set defaults the file may have blanked out
	if cfg.Path.Data == "" {
		cfg.Path.Data = "./data"
	}
	if cfg.IRC.Opers == nil {
		cfg.IRC.Opers = map[string]string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv feeds the decoded file through viper so that every known key can
// be overridden from the environment.
func applyEnv(cfg *Config) error {
	merged, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadConfig(bytes.NewReader(merged)); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// Opers returns the configured bcrypt hashes keyed by lowercased oper name.
func (c *Config) Opers() map[string]string {
	opers := make(map[string]string, len(c.IRC.Opers))
	for name, hash := range c.IRC.Opers {
		opers[strings.ToLower(name)] = hash
	}
	return opers
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Inetd reports whether the gateway serves a single session on stdio.
func (c *Config) Inetd() bool {
	return c.IRC.Type == "inetd"
}
