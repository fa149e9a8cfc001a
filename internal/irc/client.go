package irc

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/ergochat/irc-go/ircreader"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/message"
	"github.com/dalnet/imgate/internal/poll"
)

const (
	outQueueSize  = 256
	taskQueueSize = 64
	defaultPing   = 90 * time.Second
)

// SessionConfig is what one session reads from the gateway configuration.
// It is fetched again on REHASH.
type SessionConfig struct {
	Settings
	Ping    time.Duration
	DataDir string
	// Opers maps lowercased oper names to bcrypt hashes.
	Opers map[string]string
}

// Authenticator checks local account credentials.
type Authenticator interface {
	// Authenticate reports whether the account was created by this call.
	Authenticate(username, password string) (created bool, err error)
}

// ClientOptions wires a session.
type ClientOptions struct {
	Conn     io.ReadWriteCloser
	Remote   string
	Endpoint poll.Endpoint
	Accounts Authenticator
	Backend  im.Backend
	Config   func() SessionConfig
	Logger   zerolog.Logger
}

// Client runs one IRC session: it reads lines from the user, feeds IM
// events and control messages into the entity graph and writes replies in
// order.
type Client struct {
	irc      *IRC
	conn     io.ReadWriteCloser
	remote   string
	ep       poll.Endpoint
	accounts Authenticator
	backend  im.Backend
	config   func() SessionConfig
	cfg      SessionConfig
	log      zerolog.Logger
	ctx      context.Context

	out    chan string
	tasks  chan func()
	done   chan struct{}
	events <-chan im.Event

	// registration
	pass     string
	nick     string
	username string
	realname string
	userSeen bool

	lastPong   time.Time
	quitting   bool
	quitReason string
}

// NewClient builds a session over opts.Conn.
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		conn:     opts.Conn,
		remote:   opts.Remote,
		ep:       opts.Endpoint,
		accounts: opts.Accounts,
		backend:  opts.Backend,
		config:   opts.Config,
		log:      opts.Logger.With().Str("session", uuid.NewString()).Str("remote", opts.Remote).Logger(),
		ctx:      context.Background(),
		out:      make(chan string, outQueueSize),
		tasks:    make(chan func(), taskQueueSize),
		done:     make(chan struct{}),
	}
	c.cfg = c.config()
	if c.cfg.Ping <= 0 {
		c.cfg.Ping = defaultPing
	}
	c.fillOwnIP()

	c.irc = New(Options{
		Settings: c.cfg.Settings,
		Backend:  c.backend,
		Logger:   c.log,
		Write:    c.write,
		Post:     c.post,
		After: func(d time.Duration, f func()) {
			time.AfterFunc(d, func() { c.post(f) })
		},
	})
	return c
}

// IRC exposes the session's entity graph.
func (c *Client) IRC() *IRC { return c.irc }

// fillOwnIP advertises the address the user connected to when no DCC
// address is configured.
func (c *Client) fillOwnIP() {
	if c.cfg.DCC.OwnIP != nil {
		return
	}
	if nc, ok := c.conn.(net.Conn); ok {
		if addr, ok := nc.LocalAddr().(*net.TCPAddr); ok {
			c.cfg.DCC.OwnIP = addr.IP
		}
	}
}

// write formats m right away so later entity changes cannot alter it.
func (c *Client) write(m *message.Message) {
	line, err := m.Format()
	if err != nil {
		c.log.Debug().Err(err).Str("command", m.Command()).Msg("Dropping malformed message")
		return
	}
	select {
	case c.out <- line:
	case <-c.done:
	}
}

// post runs f on the session goroutine, or drops it once the session ended.
func (c *Client) post(f func()) {
	select {
	case c.tasks <- f:
	case <-c.done:
	}
}

// Run serves the session until the user quits, the connection drops, a
// DIE arrives or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.ctx = ctx
	lines := make(chan string)
	readErr := make(chan error, 1)
	go c.readLoop(lines, readErr)

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	ping := time.NewTicker(c.cfg.Ping)
	defer ping.Stop()
	c.lastPong = time.Now()

	var err error
	for !c.quitting {
		select {
		case line := <-lines:
			c.handleLine(line)
		case err = <-readErr:
			c.quitting = true
			c.quitReason = "Connection closed"
			if !errors.Is(err, io.EOF) {
				c.log.Debug().Err(err).Msg("Read failed")
			} else {
				err = nil
			}
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.irc.HandleEvent(ev)
		case f := <-c.tasks:
			f()
		case ctl := <-c.ep.Inbox():
			c.handleControl(ctl)
		case <-ping.C:
			c.checkPing()
		case <-ctx.Done():
			c.Quit("Server shutting down")
		}
	}

	c.log.Info().Str("user", c.username).Str("reason", c.quitReason).Msg("Session closed")
	close(c.done)
	c.irc.Close()
	if err := c.backend.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Backend close failed")
	}
	close(c.out)
	<-writerDone
	c.conn.Close()
	return err
}

func (c *Client) readLoop(lines chan<- string, readErr chan<- error) {
	reader := ircreader.NewIRCReader(c.conn)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case lines <- string(line):
		case <-c.done:
			return
		}
	}
}

// writeLoop keeps output in FIFO order. After a write error the rest is
// discarded.
func (c *Client) writeLoop(done chan<- struct{}) {
	defer close(done)
	failed := false
	for line := range c.out {
		if failed {
			continue
		}
		if _, err := io.WriteString(c.conn, line); err != nil {
			c.log.Debug().Err(err).Msg("Write failed")
			failed = true
		}
	}
}

// Quit sends the closing ERROR line and ends the session.
func (c *Client) Quit(reason string) {
	if c.quitting {
		return
	}
	c.write(message.New(message.CmdError).AddArg("Closing Link: " + reason))
	c.quitting = true
	c.quitReason = reason
}

func (c *Client) checkPing() {
	now := time.Now()
	if now.Sub(c.lastPong) > 2*c.cfg.Ping {
		c.Quit("Ping timeout")
		return
	}
	if c.irc.Registered() {
		c.write(message.New(message.CmdPing).AddArg(c.cfg.Hostname))
	}
}

// handleControl applies a control message relayed by the multiplexer.
func (c *Client) handleControl(ctl poll.Control) {
	registered := c.irc.Registered()
	switch ctl.Kind {
	case poll.Wallops:
		if !registered {
			return
		}
		c.irc.user.send(message.New(message.CmdWallops).FromName(ctl.Arg(0)).AddArg(ctl.Arg(1)))
	case poll.Rehash:
		c.rehash()
	case poll.Die:
		if ctl.Arg(1) == poll.EvictionReason {
			c.Quit(poll.EvictionReason)
			return
		}
		c.Quit("Shutdown requested by " + ctl.Arg(0) + ": " + ctl.Arg(1))
	case poll.Oper:
		if registered && c.irc.user.oper {
			c.irc.notice("*** " + ctl.Arg(0) + " is now an IRC Operator")
		}
	default:
		c.log.Warn().Str("kind", ctl.Kind.String()).Msg("Ignoring control message")
	}
}

// rehash reloads the session configuration.
func (c *Client) rehash() {
	ownIP := c.cfg.DCC.OwnIP
	ping := c.cfg.Ping
	c.cfg = c.config()
	if c.cfg.Ping <= 0 {
		c.cfg.Ping = ping
	}
	if c.cfg.DCC.OwnIP == nil {
		c.cfg.DCC.OwnIP = ownIP
	}
	c.irc.Rehash(c.cfg.Settings)
	c.log.Info().Msg("Configuration reloaded")
	if c.irc.Registered() {
		c.irc.reply(message.RplRehashing, c.cfg.MOTDFile, "Rehashing")
	}
}
