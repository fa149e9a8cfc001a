package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dalnet/imgate/internal/metrics"
)

const inboxSize = 16

// rehashTimeout bounds how long Rehash waits for the dispatcher.
const rehashTimeout = 5 * time.Second

// refuseLine is written to peers over the connection limit.
const refuseLine = "ERROR :Closing Link: Too much connections on server\r\n"

// Daemon accepts TCP connections and runs each session in its own
// goroutine. A single dispatcher goroutine serializes control messages.
type Daemon struct {
	addr     string
	maxConn  int
	run      SessionFunc
	onRehash func() error
	log      zerolog.Logger

	ctl chan envelope

	mu          sync.Mutex
	dispatching bool
	ln          net.Listener
	children map[string]*child
	wg       sync.WaitGroup
}

type child struct {
	id       string
	username string
	remote   string
	started  time.Time
	inbox    chan Control
}

type envelope struct {
	from *child
	ctl  Control
	done chan struct{}
}

// NewDaemon builds a daemon listening on addr. maxConn <= 0 means no limit.
// onRehash runs in the dispatcher when a REHASH is requested.
func NewDaemon(addr string, maxConn int, run SessionFunc, onRehash func() error, logger zerolog.Logger) *Daemon {
	return &Daemon{
		addr:     addr,
		maxConn:  maxConn,
		run:      run,
		onRehash: onRehash,
		log:      logger.With().Str("component", "daemon").Logger(),
		ctl:      make(chan envelope),
		children: make(map[string]*child),
	}
}

// Listen binds the listening socket. Serve calls it when needed.
func (d *Daemon) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.addr, err)
	}
	d.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Serve accepts sessions until ctx is cancelled or a DIE is dispatched,
// then waits for every session to end.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := d.Listen(); err != nil {
		return err
	}
	d.mu.Lock()
	ln := d.ln
	d.mu.Unlock()

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatched := make(chan struct{})
	d.setDispatching(true)
	go func() {
		defer close(dispatched)
		defer d.setDispatching(false)
		d.dispatch(dispatchCtx)
	}()

	go func() {
		<-ctx.Done()
		d.closeListener()
	}()

	d.log.Info().Str("addr", ln.Addr().String()).Msg("Listening for IRC clients")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			d.log.Warn().Err(err).Msg("Accept failed")
			continue
		}
		d.accept(ctx, conn)
	}

	d.wg.Wait()
	stopDispatch()
	<-dispatched
	d.log.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) closeListener() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln != nil {
		d.ln.Close()
	}
}

func (d *Daemon) accept(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	d.mu.Lock()
	if d.maxConn > 0 && len(d.children) >= d.maxConn {
		d.mu.Unlock()
		io.WriteString(conn, refuseLine)
		conn.Close()
		d.log.Warn().Err(ErrTooManyConnections).Str("remote", remote).Int("maxcon", d.maxConn).Msg("Refusing connection")
		return
	}
	c := &child{
		id:      uuid.NewString(),
		remote:  remote,
		started: time.Now(),
		inbox:   make(chan Control, inboxSize),
	}
	d.children[c.id] = c
	d.mu.Unlock()

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	d.log.Info().Str("session", c.id).Str("remote", remote).Msg("Accepted connection")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.remove(c)

		if err := d.run(ctx, conn, remote, &endpoint{d: d, c: c}); err != nil {
			d.log.Debug().Err(err).Str("session", c.id).Msg("Session ended")
		}
	}()
}

func (d *Daemon) remove(c *child) {
	d.mu.Lock()
	delete(d.children, c.id)
	d.mu.Unlock()
	metrics.SessionsActive.Dec()
}

// Sessions lists running sessions, oldest first.
func (d *Daemon) Sessions() []SessionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]SessionInfo, 0, len(d.children))
	for _, c := range d.children {
		result = append(result, SessionInfo{ID: c.id, Username: c.username, Remote: c.remote, Started: c.started})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Started.Before(result[j].Started)
	})
	return result
}

// Rehash reloads configuration and tells every session, as if a session
// had sent REHASH.
// Rehash is dropped when Serve is not running, and gives up after
// rehashTimeout when the dispatcher is busy.
func (d *Daemon) Rehash() {
	d.mu.Lock()
	running := d.dispatching
	d.mu.Unlock()
	if !running {
		d.log.Warn().Msg("Rehash dropped: daemon not serving")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rehashTimeout)
	defer cancel()
	if err := d.post(ctx, nil, Control{Kind: Rehash}); err != nil {
		d.log.Warn().Err(err).Msg("Rehash not dispatched")
	}
}

func (d *Daemon) setDispatching(v bool) {
	d.mu.Lock()
	d.dispatching = v
	d.mu.Unlock()
}

func (d *Daemon) post(ctx context.Context, from *child, c Control) error {
	env := envelope{from: from, ctl: c, done: make(chan struct{})}
	select {
	case d.ctl <- env:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-env.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) dispatch(ctx context.Context) {
	for {
		select {
		case env := <-d.ctl:
			d.handle(env.from, env.ctl)
			close(env.done)
		case <-ctx.Done():
			return
		}
	}
}

// handle runs in the dispatcher goroutine only.
func (d *Daemon) handle(from *child, c Control) {
	if !c.Valid() {
		d.log.Warn().Str("kind", c.Kind.String()).Int("args", len(c.Args)).Msg("Discarding malformed control message")
		return
	}
	metrics.ControlMessages.WithLabelValues(c.Kind.String()).Inc()

	switch c.Kind {
	case Wallops:
		d.broadcast(c, nil)
	case Rehash:
		if d.onRehash != nil {
			if err := d.onRehash(); err != nil {
				d.log.Warn().Err(err).Msg("Rehash failed")
			}
		}
		d.broadcast(c, nil)
	case Die:
		d.log.Info().Str("by", c.Arg(0)).Str("reason", c.Arg(1)).Msg("Shutdown requested")
		d.broadcast(c, nil)
		d.closeListener()
	case Oper:
		d.log.Info().Str("nick", c.Arg(0)).Msg("New IRC operator")
		d.broadcast(c, from)
	case User:
		if from == nil {
			return
		}
		d.mu.Lock()
		from.username = c.Arg(0)
		var evict []*child
		for _, other := range d.children {
			if other != from && strings.EqualFold(other.username, from.username) {
				evict = append(evict, other)
			}
		}
		d.mu.Unlock()

		for _, other := range evict {
			d.log.Info().Str("user", from.username).Str("session", other.id).Msg("Evicting duplicate login")
			d.send(other, Control{Kind: Die, Args: []string{from.username, EvictionReason}})
		}
	}
}

func (d *Daemon) broadcast(c Control, butone *child) {
	d.mu.Lock()
	targets := make([]*child, 0, len(d.children))
	for _, other := range d.children {
		if other != butone {
			targets = append(targets, other)
		}
	}
	d.mu.Unlock()

	for _, other := range targets {
		d.send(other, c)
	}
}

// send never blocks the dispatcher: a full inbox drops the message.
func (d *Daemon) send(c *child, ctl Control) {
	select {
	case c.inbox <- ctl:
	default:
		d.log.Warn().Str("session", c.id).Str("kind", ctl.Kind.String()).Msg("Control inbox full, dropping message")
	}
}

type endpoint struct {
	d *Daemon
	c *child
}

func (e *endpoint) Send(ctx context.Context, c Control) error {
	return e.d.post(ctx, e.c, c)
}

func (e *endpoint) Inbox() <-chan Control { return e.c.inbox }
