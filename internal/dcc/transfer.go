package dcc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dalnet/imgate/internal/metrics"
)

// Send serves a local file to the IRC client.
type Send struct {
	base
	path    string
	total   int64
	timeout time.Duration

	// guarded by base.mu
	file  *os.File
	avail int64
	sent  int64
	acked int64
}

// NewSend listens for the client, hands the CTCP offer to announce and
// serves path once the client connects. avail is the number of bytes of
// path already written; Update raises it while the backend is still
// receiving the file.
func NewSend(cfg Config, peer, name, path string, total, avail int64, announce func(offer string), onDone func(error)) (*Send, error) {
	ln, port, err := listen(cfg.PortMin, cfg.PortMax)
	if err != nil {
		return nil, err
	}

	s := &Send{path: path, total: total, avail: avail, timeout: cfg.Timeout}
	s.init(KindSend, peer, cfg.Logger, onDone)
	s.ln = ln
	s.armTimeout(cfg.Timeout)

	announce(FormatOffer(KindSend, name, cfg.OwnIP, port, total))
	go s.serve()
	return s, nil
}

func (s *Send) serve() {
	conn, err := s.accept()
	if err != nil {
		s.finish(fmt.Errorf("accept: %w", err))
		return
	}
	s.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("DCC peer connected")

	if s.total == 0 {
		s.finish(nil)
		return
	}
	s.sendChunk()

	var ack [4]byte
	for {
		if _, err := io.ReadFull(conn, ack[:]); err != nil {
			s.finish(fmt.Errorf("peer left after %d of %d bytes: %w", s.Acked(), s.total, err))
			return
		}
		if s.ack(binary.BigEndian.Uint32(ack[:])) {
			s.finish(nil)
			return
		}
		s.sendChunk()
	}
}

// ack records a 4-byte acknowledgement. Acks wrap at 4 GiB, so the high
// bits come from what was sent, and completion needs everything sent.
func (s *Send) ack(v uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := s.sent&^0xffffffff | int64(v)
	if acked > s.sent {
		acked -= 1 << 32
	}
	if acked > s.acked {
		s.acked = acked
	}
	return s.sent >= s.total && v == uint32(s.total)
}

// Update records that avail bytes of the file are now present and pushes
// the next chunk.
func (s *Send) Update(avail int64) {
	s.mu.Lock()
	if avail > s.avail {
		s.avail = avail
	}
	s.mu.Unlock()
	s.sendChunk()
}

// sendChunk writes up to ChunkSize unsent bytes. It does nothing until the
// client is connected and the file can be opened.
func (s *Send) sendChunk() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.ln != nil || s.conn == nil {
		return
	}
	if s.file == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return
		}
		s.file = f
		s.closer = f
	}

	n := s.avail - s.sent
	if n <= 0 {
		return
	}
	if n > ChunkSize {
		n = ChunkSize
	}
	buf := make([]byte, n)
	read, err := s.file.ReadAt(buf, s.sent)
	if read == 0 {
		if err != nil && err != io.EOF {
			s.log.Debug().Err(err).Msg("DCC read failed")
		}
		return
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	written, err := s.conn.Write(buf[:read])
	s.sent += int64(written)
	metrics.DCCBytes.WithLabelValues(string(KindSend)).Add(float64(written))
	if err != nil {
		s.log.Debug().Err(err).Msg("DCC write failed")
	}
}

// Sent returns the number of bytes written to the client.
func (s *Send) Sent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Acked returns the last acknowledgement received.
func (s *Send) Acked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// Get fetches a file the IRC client offered.
type Get struct {
	base
	path string
	size int64
	file *os.File

	// guarded by base.mu
	received int64
}

// NewGet creates the destination file in dir and connects to the offer.
// onComplete receives the local path once every byte arrived and the final
// acknowledgement was written.
func NewGet(cfg Config, peer string, offer Offer, dir string, onComplete func(path string), onDone func(error)) (*Get, error) {
	path := filepath.Join(dir, filepath.Base(offer.Filename))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create local file: %w", err)
	}

	g := &Get{path: path, size: offer.Size, file: f}
	g.init(KindGet, peer, cfg.Logger, onDone)
	g.closer = f
	g.armTimeout(cfg.Timeout)

	go g.run(offer.Addr(), cfg.Timeout, onComplete)
	return g, nil
}

// Path is the local destination.
func (g *Get) Path() string { return g.path }

// Received returns the bytes written so far.
func (g *Get) Received() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.received
}

func (g *Get) run(addr string, timeout time.Duration, onComplete func(string)) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		g.finish(fmt.Errorf("failed to connect to %s: %w", addr, err))
		return
	}

	g.mu.Lock()
	if g.finished {
		g.mu.Unlock()
		conn.Close()
		return
	}
	g.conn = conn
	g.mu.Unlock()

	if g.size == 0 {
		g.complete(conn, onComplete)
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := g.file.Write(buf[:n]); werr != nil {
				g.finish(fmt.Errorf("failed to write local file: %w", werr))
				return
			}
			metrics.DCCBytes.WithLabelValues(string(KindGet)).Add(float64(n))

			g.mu.Lock()
			g.received += int64(n)
			done := g.received >= g.size
			g.mu.Unlock()

			if done {
				g.complete(conn, onComplete)
				return
			}
		}
		if err != nil {
			g.finish(fmt.Errorf("connection closed after %d of %d bytes: %w", g.Received(), g.size, err))
			return
		}
	}
}

// complete acknowledges the byte count, flushes the file and reports it.
func (g *Get) complete(conn net.Conn, onComplete func(string)) {
	var ack [4]byte
	binary.BigEndian.PutUint32(ack[:], uint32(g.Received()))
	if _, err := conn.Write(ack[:]); err != nil {
		g.finish(fmt.Errorf("failed to send acknowledgement: %w", err))
		return
	}

	g.mu.Lock()
	g.closer = nil
	g.mu.Unlock()
	if err := g.file.Sync(); err != nil {
		g.file.Close()
		g.finish(fmt.Errorf("failed to flush local file: %w", err))
		return
	}
	if err := g.file.Close(); err != nil {
		g.finish(fmt.Errorf("failed to close local file: %w", err))
		return
	}

	if onComplete != nil {
		onComplete(g.path)
	}
	g.finish(nil)
}

// Chat is a line-oriented DCC CHAT session with the IRC client.
type Chat struct {
	base
}

// NewChat listens for the client and announces the offer. Every line the
// client types is passed to onLine.
func NewChat(cfg Config, peer string, announce func(offer string), onLine func(string), onDone func(error)) (*Chat, error) {
	ln, port, err := listen(cfg.PortMin, cfg.PortMax)
	if err != nil {
		return nil, err
	}

	c := &Chat{}
	c.init(KindChat, peer, cfg.Logger, onDone)
	c.ln = ln
	c.armTimeout(cfg.Timeout)

	announce(FormatOffer(KindChat, "chat", cfg.OwnIP, port, -1))
	go c.serve(onLine)
	return c, nil
}

func (c *Chat) serve(onLine func(string)) {
	conn, err := c.accept()
	if err != nil {
		c.finish(fmt.Errorf("accept: %w", err))
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		metrics.DCCBytes.WithLabelValues(string(KindChat)).Add(float64(len(scanner.Bytes()) + 1))
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		c.finish(err)
		return
	}
	c.finish(nil)
}

// Write relays text to the client. It is a no-op until the client connected.
func (c *Chat) Write(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.ln != nil || c.conn == nil {
		return
	}
	n, err := io.WriteString(c.conn, text+"\n")
	metrics.DCCBytes.WithLabelValues(string(KindChat)).Add(float64(n))
	if err != nil {
		c.log.Debug().Err(err).Msg("DCC chat write failed")
	}
}
