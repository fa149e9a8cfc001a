package poll

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dalnet/imgate/internal/metrics"
)

// Inetd runs exactly one session over an already connected stream, by
// default stdin/stdout. Control messages loop back to that session.
type Inetd struct {
	in       io.Reader
	out      io.Writer
	run      SessionFunc
	onRehash func() error
	log      zerolog.Logger

	inbox chan Control

	mu   sync.Mutex
	info SessionInfo
}

// NewInetd builds an inetd topology over stdin and stdout.
func NewInetd(run SessionFunc, onRehash func() error, logger zerolog.Logger) *Inetd {
	return NewInetdStream(os.Stdin, os.Stdout, run, onRehash, logger)
}

// NewInetdStream is NewInetd over an explicit stream.
func NewInetdStream(in io.Reader, out io.Writer, run SessionFunc, onRehash func() error, logger zerolog.Logger) *Inetd {
	return &Inetd{
		in:       in,
		out:      out,
		run:      run,
		onRehash: onRehash,
		log:      logger.With().Str("component", "inetd").Logger(),
		inbox:    make(chan Control, inboxSize),
		info:     SessionInfo{ID: uuid.NewString(), Remote: "stdio", Started: time.Now()},
	}
}

// Serve runs the session until it ends.
func (p *Inetd) Serve(ctx context.Context) error {
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	defer metrics.SessionsActive.Dec()

	return p.run(ctx, &stdio{in: p.in, out: p.out}, p.info.Remote, p)
}

// Send handles c locally.
func (p *Inetd) Send(ctx context.Context, c Control) error {
	if !c.Valid() {
		p.log.Warn().Str("kind", c.Kind.String()).Int("args", len(c.Args)).Msg("Discarding malformed control message")
		return nil
	}
	metrics.ControlMessages.WithLabelValues(c.Kind.String()).Inc()

	switch c.Kind {
	case Wallops, Die:
		p.deliver(c)
	case Rehash:
		p.Rehash()
	case Oper:
		p.log.Info().Str("nick", c.Arg(0)).Msg("New IRC operator")
	case User:
		p.mu.Lock()
		p.info.Username = c.Arg(0)
		p.mu.Unlock()
	}
	return nil
}

func (p *Inetd) Inbox() <-chan Control { return p.inbox }

// Rehash reloads configuration and notifies the session.
func (p *Inetd) Rehash() {
	if p.onRehash != nil {
		if err := p.onRehash(); err != nil {
			p.log.Warn().Err(err).Msg("Rehash failed")
		}
	}
	p.deliver(Control{Kind: Rehash})
}

func (p *Inetd) deliver(c Control) {
	select {
	case p.inbox <- c:
	default:
		p.log.Warn().Str("kind", c.Kind.String()).Msg("Control inbox full, dropping message")
	}
}

// Sessions returns the single session.
func (p *Inetd) Sessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []SessionInfo{p.info}
}

// stdio joins the two halves of an inetd stream.
type stdio struct {
	in  io.Reader
	out io.Writer
}

func (s *stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *stdio) Write(p []byte) (int, error) { return s.out.Write(p) }

func (s *stdio) Close() error {
	if c, ok := s.in.(io.Closer); ok {
		c.Close()
	}
	if c, ok := s.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
