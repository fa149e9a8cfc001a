// Package dcc implements DCC SEND, GET and CHAT transfers between the
// gateway and an IRC client.
package dcc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dalnet/imgate/internal/message"
	"github.com/dalnet/imgate/internal/metrics"
)

var (
	// ErrNotOffer is returned by ParseSend for text that is not a DCC SEND offer.
	ErrNotOffer = errors.New("not a DCC SEND offer")
	// ErrNoPort is returned when no port of the configured range can be bound.
	ErrNoPort = errors.New("no free port in DCC range")
	// ErrTimeout finishes a transfer that was never connected.
	ErrTimeout = errors.New("DCC timeout")
	// ErrAborted finishes a transfer closed before completion.
	ErrAborted = errors.New("DCC transfer aborted")
)

// ChunkSize is the number of file bytes written per send trigger.
const ChunkSize = 512

// Kind names a transfer type.
type Kind string

const (
	KindSend Kind = "SEND"
	KindGet  Kind = "GET"
	KindChat Kind = "CHAT"
)

// Config holds the settings shared by every transfer of a session.
type Config struct {
	PortMin int
	PortMax int
	// OwnIP is the IPv4 address advertised in offers.
	OwnIP   net.IP
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Offer is a parsed DCC SEND request.
type Offer struct {
	Filename string
	IP       net.IP
	Port     int
	Size     int64
}

// Addr is the host:port to dial for the offer.
func (o Offer) Addr() string {
	return net.JoinHostPort(o.IP.String(), strconv.Itoa(o.Port))
}

// ParseSend parses "\x01DCC SEND <file> <ip> <port> <size>\x01". A quoted
// file name may contain spaces.
func ParseSend(text string) (Offer, error) {
	if !message.IsCTCP(text) {
		return Offer{}, ErrNotOffer
	}

	var tokens []string
	for _, tok := range strings.Split(text[1:len(text)-1], " ") {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	tokens = message.RebuildWithQuotes(tokens)
	if len(tokens) != 6 || tokens[0] != "DCC" || tokens[1] != "SEND" {
		return Offer{}, ErrNotOffer
	}

	addr, err := strconv.ParseUint(tokens[3], 10, 32)
	if err != nil {
		return Offer{}, fmt.Errorf("bad address %q: %w", tokens[3], ErrNotOffer)
	}
	port, err := strconv.ParseUint(tokens[4], 10, 16)
	if err != nil || port == 0 {
		return Offer{}, fmt.Errorf("bad port %q: %w", tokens[4], ErrNotOffer)
	}
	size, err := strconv.ParseInt(tokens[5], 10, 64)
	if err != nil || size < 0 {
		return Offer{}, fmt.Errorf("bad size %q: %w", tokens[5], ErrNotOffer)
	}

	return Offer{
		Filename: tokens[2],
		IP:       Uint32ToIP(uint32(addr)),
		Port:     int(port),
		Size:     size,
	}, nil
}

// FormatOffer renders the CTCP payload announcing a transfer. Double quotes
// in the name are replaced since the grammar has no escape. A negative size
// is omitted, as for CHAT.
func FormatOffer(kind Kind, name string, ip net.IP, port int, size int64) string {
	name = strings.ReplaceAll(name, `"`, "'")
	data := fmt.Sprintf("%s \"%s\" %d %d", kind, name, IPToUint32(ip), port)
	if size >= 0 {
		data += " " + strconv.FormatInt(size, 10)
	}
	return message.CTCPPack("DCC", data)
}

// IPToUint32 converts an IPv4 address to its big-endian integer form.
func IPToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// Uint32ToIP is the inverse of IPToUint32.
func Uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// listen binds the first free port of [min, max].
func listen(min, max int) (net.Listener, int, error) {
	for port := min; port <= max; port++ {
		ln, err := net.Listen("tcp4", ":"+strconv.Itoa(port))
		if err == nil {
			return ln, ln.Addr().(*net.TCPAddr).Port, nil
		}
	}
	return nil, 0, fmt.Errorf("ports %d-%d: %w", min, max, ErrNoPort)
}

// Transfer is the part common to every DCC variant.
type Transfer interface {
	ID() string
	Kind() Kind
	Peer() string
	Finished() bool
	Done() <-chan struct{}
	Close() error
}

// base owns the sockets, file and timer of one transfer and tears them
// down exactly once.
type base struct {
	id   string
	kind Kind
	peer string
	log  zerolog.Logger

	once   sync.Once
	done   chan struct{}
	onDone func(error)

	mu       sync.Mutex
	ln       net.Listener
	conn     net.Conn
	closer   interface{ Close() error }
	timer    *time.Timer
	finished bool
}

func (b *base) init(kind Kind, peer string, logger zerolog.Logger, onDone func(error)) {
	b.id = uuid.NewString()
	b.kind = kind
	b.peer = peer
	b.log = logger.With().Str("dcc", string(kind)).Str("peer", peer).Str("id", b.id).Logger()
	b.done = make(chan struct{})
	b.onDone = onDone
}

func (b *base) ID() string            { return b.id }
func (b *base) Kind() Kind            { return b.kind }
func (b *base) Peer() string          { return b.peer }
func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

func (b *base) connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.ln == nil
}

// armTimeout finishes the transfer if it is still not connected when the
// timeout elapses.
func (b *base) armTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = time.AfterFunc(d, func() {
		if !b.connected() {
			b.finish(ErrTimeout)
		}
	})
}

// accept waits for the single peer connection and stops listening.
func (b *base) accept() (net.Conn, error) {
	b.mu.Lock()
	ln := b.ln
	b.mu.Unlock()
	if ln == nil {
		return nil, net.ErrClosed
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		conn.Close()
		return nil, net.ErrClosed
	}
	b.ln.Close()
	b.ln = nil
	b.conn = conn
	return conn, nil
}

// finish records the outcome and releases every resource.
func (b *base) finish(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		b.finished = true
		if b.timer != nil {
			b.timer.Stop()
		}
		if b.ln != nil {
			b.ln.Close()
			b.ln = nil
		}
		if b.conn != nil {
			b.conn.Close()
			b.conn = nil
		}
		if b.closer != nil {
			b.closer.Close()
			b.closer = nil
		}
		b.mu.Unlock()

		result := "ok"
		switch {
		case err == nil:
			b.log.Info().Msg("DCC transfer finished")
		case errors.Is(err, ErrAborted):
			result = "aborted"
			b.log.Debug().Msg("DCC transfer closed")
		default:
			result = "error"
			b.log.Warn().Err(err).Msg("DCC transfer failed")
		}
		metrics.DCCTransfers.WithLabelValues(string(b.kind), result).Inc()

		close(b.done)
		if b.onDone != nil {
			b.onDone(err)
		}
	})
}

// Close aborts the transfer. Repeated calls are no-ops.
func (b *base) Close() error {
	b.finish(ErrAborted)
	return nil
}
