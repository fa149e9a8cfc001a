package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dalnet/imgate/internal/admin"
	"github.com/dalnet/imgate/internal/auth"
	"github.com/dalnet/imgate/internal/config"
	"github.com/dalnet/imgate/internal/dcc"
	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/irc"
	logpkg "github.com/dalnet/imgate/internal/log"
	"github.com/dalnet/imgate/internal/poll"
	"github.com/dalnet/imgate/internal/storage"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

const daemonEnv = "IMGATE_DAEMON"

func main() {
	irc.Version = version
	irc.BuildDate = buildDate
	irc.GitCommit = gitCommit

	var (
		configPath string
		foreground bool
	)

	rootCmd := &cobra.Command{
		Use:          "imgate",
		Short:        "IRC gateway to instant messaging networks",
		Long:         `imgate exposes instant messaging accounts as an IRC server: buddies are nicks, chat rooms are channels.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, foreground)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./imgate.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&foreground, "foreground", "x", false, "Run in foreground (don't daemonize)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (the default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, foreground)
		},
	}

	passwdCmd := &cobra.Command{
		Use:   "passwd <username> [password]",
		Short: "Set the password of a local account; read from stdin when not given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := ""
			if len(args) == 2 {
				password = args[1]
			} else {
				var err error
				if password, err = readPassword(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			return passwd(configPath, args[0], password, cmd.OutOrStdout())
		},
	}

	operCmd := &cobra.Command{
		Use:   "operhash",
		Short: "Print the bcrypt hash of a password read from stdin, for irc.opers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "imgate version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", buildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", gitCommit)
		},
	}

	rootCmd.AddCommand(serveCmd, passwdCmd, operCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configPath string, foreground bool) error {
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if !foreground && cfg.Daemon.Background && !cfg.Inetd() {
		return daemonize()
	}

	// inetd owns stdout for the IRC stream
	var logger *zerolog.Logger
	if cfg.Inetd() {
		logger = logpkg.NewWriter(os.Stderr, cfg.Logging.Level)
	} else {
		logger = logpkg.New(cfg.Logging.Level)
	}

	if err := os.MkdirAll(cfg.Path.Data, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if !cfg.Inetd() {
		if err := writePIDFile(cfg.Path.Data); err != nil {
			logger.Warn().Err(err).Msg("Could not write PID file")
		}
	}

	store, err := auth.Open(cfg.Path.Users)
	if err != nil {
		return err
	}
	defer store.Close()

	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	reload := func() error {
		next, err := config.Load(configPath)
		if err != nil {
			logger.Error().Err(err).Msg("Rehash failed, keeping the current configuration")
			return err
		}
		current.Store(next)
		logger.Info().Str("config", configPath).Msg("Configuration reloaded")
		return nil
	}

	sessionConfig := func() irc.SessionConfig {
		return buildSessionConfig(current.Load(), *logger)
	}

	run := func(ctx context.Context, conn io.ReadWriteCloser, remote string, ep poll.Endpoint) error {
		c := irc.NewClient(irc.ClientOptions{
			Conn:     conn,
			Remote:   remote,
			Endpoint: ep,
			Accounts: store,
			Backend:  im.NewMemory(current.Load().Buddies.SendDelay, true),
			Config:   sessionConfig,
			Logger:   *logger,
		})
		return c.Run(ctx)
	}

	var p poll.Poll
	if cfg.Inetd() {
		p = poll.NewInetd(run, reload, *logger)
	} else {
		addr := net.JoinHostPort(cfg.Daemon.Bind, strconv.Itoa(cfg.Daemon.Port))
		d := poll.NewDaemon(addr, cfg.Daemon.MaxConn, run, reload, *logger)
		if err := d.Listen(); err != nil {
			return err
		}
		p = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				logger.Info().Msg("Received SIGHUP, rehashing")
				p.Rehash()
			case <-ctx.Done():
				return
			}
		}
	}()

	if cfg.Admin.Bind != "" {
		srv := admin.New(p, cfg.Path.Data, *logger)
		go func() {
			if err := srv.Start(cfg.Admin.Bind); err != nil {
				logger.Error().Err(err).Msg("Admin server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("version", version).Str("mode", cfg.IRC.Type).Msg("Gateway starting")
	return p.Serve(ctx)
}

// buildSessionConfig maps the gateway configuration onto what a session
// reads. The MOTD is read from disk every time.
func buildSessionConfig(cfg *config.Config, logger zerolog.Logger) irc.SessionConfig {
	motd, err := storage.LoadMOTD(cfg.Path.Data, cfg.IRC.MOTD)
	if err != nil {
		logger.Debug().Err(err).Str("motd", cfg.IRC.MOTD).Msg("No MOTD")
	}

	return irc.SessionConfig{
		Settings: irc.Settings{
			Hostname:      cfg.IRC.Hostname,
			StatusChannel: cfg.IRC.StatusChannel,
			PublicWindow:  cfg.Buddies.PublicWindow,
			MOTD:          motd,
			MOTDFile:      cfg.IRC.MOTD,
			UsersDir:      cfg.Path.Users,
			DCCEnabled:    cfg.FileTransfers.Enabled,
			DCC: dcc.Config{
				PortMin: cfg.FileTransfers.PortMin,
				PortMax: cfg.FileTransfers.PortMax,
				OwnIP:   net.ParseIP(cfg.FileTransfers.OwnIP),
				Timeout: cfg.FileTransfers.Timeout,
			},
		},
		Ping:    cfg.IRC.Ping,
		DataDir: cfg.Path.Data,
		Opers:   cfg.Opers(),
	}
}

func passwd(configPath, username, password string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := auth.Open(cfg.Path.Users)
	if err != nil {
		return err
	}
	defer store.Close()

	exists, err := store.Exists(username)
	if err != nil {
		return err
	}
	if exists {
		err = store.SetPassword(username, password)
	} else {
		err = store.Create(username, password)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Password set for %s\n", username)
	return nil
}

func readPassword(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// daemonize performs double-fork to become a daemon
func daemonize() error {
	if os.Getenv(daemonEnv) == "1" {
		// We're the daemon child: re-exec in the foreground
		args := append(os.Args, "-x")
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		fmt.Printf("Now becoming a daemon\nMy pid is %d\n", cmd.Process.Pid)
		return nil
	}

	// First fork
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to fork: %w", err)
	}
	return nil
}

func writePIDFile(dir string) error {
	pid := os.Getpid()
	return os.WriteFile(filepath.Join(dir, "imgate.pid"), []byte(fmt.Sprintf("%d\n", pid)), 0644)
}
