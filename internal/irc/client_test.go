package irc

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/imgate/internal/auth"
	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/poll"
	"github.com/dalnet/imgate/internal/storage"
)

type fakeAccounts map[string]string

func (a fakeAccounts) Authenticate(username, password string) (bool, error) {
	want, ok := a[username]
	if !ok {
		return true, nil
	}
	if want != password {
		return false, auth.ErrBadPassword
	}
	return false, nil
}

type fakeEndpoint struct {
	mu    sync.Mutex
	sent  []poll.Control
	inbox chan poll.Control
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{inbox: make(chan poll.Control, 4)}
}

func (e *fakeEndpoint) Send(_ context.Context, c poll.Control) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, c)
	return nil
}

func (e *fakeEndpoint) Inbox() <-chan poll.Control { return e.inbox }

func (e *fakeEndpoint) Sent() []poll.Control {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]poll.Control(nil), e.sent...)
}

type session struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	ep   *fakeEndpoint
	mem  *im.Memory
	done chan error
}

func startSession(t *testing.T, cfg SessionConfig) *session {
	t.Helper()
	server, client := net.Pipe()
	s := &session{
		t:    t,
		conn: client,
		r:    bufio.NewReader(client),
		ep:   newFakeEndpoint(),
		mem:  im.NewMemory(0, true),
		done: make(chan error, 1),
	}
	c := NewClient(ClientOptions{
		Conn:     server,
		Remote:   "127.0.0.1:40000",
		Endpoint: s.ep,
		Accounts: fakeAccounts{"alice": "secret123"},
		Backend:  s.mem,
		Config:   func() SessionConfig { return cfg },
		Logger:   zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	go func() { s.done <- c.Run(ctx) }()
	return s
}

func testSessionConfig(t *testing.T) SessionConfig {
	hash, err := auth.HashPassword("operpass")
	require.NoError(t, err)
	return SessionConfig{
		Settings: Settings{
			Hostname:      "gw.test",
			StatusChannel: "&imgate",
			MOTD:          []string{"hello"},
			MOTDFile:      "motd.txt",
			UsersDir:      t.TempDir(),
		},
		Ping:    time.Minute,
		DataDir: t.TempDir(),
		Opers:   map[string]string{"root": hash},
	}
}

func (s *session) send(lines ...string) {
	s.t.Helper()
	require.NoError(s.t, s.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := s.conn.Write([]byte(strings.Join(lines, "\r\n") + "\r\n"))
	require.NoError(s.t, err)
}

// expect reads lines until one contains want and returns it.
func (s *session) expect(want string) string {
	s.t.Helper()
	require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(s.t, err, "waiting for %q", want)
		line = strings.TrimRight(line, "\r\n")
		if strings.Contains(line, want) {
			return line
		}
	}
}

func (s *session) login() {
	s.t.Helper()
	s.send("PASS secret123", "NICK alice", "USER alice 0 * :Alice Liddell")
	assert.Equal(s.t, ":gw.test 001 alice :Welcome to the gw.test IRC <-> IM gateway, alice!alice@127.0.0.1", s.expect(" 001 "))
	s.expect(" 376 ")
	s.expect("JOIN &imgate")
	s.expect(":echo!echo@loopback:0 JOIN &imgate")
}

func (s *session) wait() error {
	select {
	case err := <-s.done:
		return err
	case <-time.After(5 * time.Second):
		s.t.Fatal("session did not end")
		return nil
	}
}

func TestClientRegistrationAndEcho(t *testing.T) {
	s := startSession(t, testSessionConfig(t))
	s.login()

	sent := s.ep.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, poll.User, sent[0].Kind)
	assert.Equal(t, "alice", sent[0].Arg(0))

	s.send("PRIVMSG echo :ping me")
	assert.Equal(t, ":echo!echo@loopback:0 PRIVMSG alice :ping me", s.expect("PRIVMSG alice"))

	s.send("QUIT :bye")
	assert.Equal(t, "ERROR :Closing Link: Quit: bye", s.expect("ERROR"))
	assert.NoError(t, s.wait())
}

func TestClientRequiresRegistration(t *testing.T) {
	s := startSession(t, testSessionConfig(t))

	s.send("JOIN #room")
	assert.Equal(t, ":gw.test 451 * :You have not registered", s.expect(" 451 "))

	s.send("PING token")
	assert.Equal(t, ":gw.test PONG gw.test token", s.expect("PONG"))
}

func TestClientBadPassword(t *testing.T) {
	s := startSession(t, testSessionConfig(t))

	s.send("PASS wrong-password", "NICK alice", "USER alice 0 * :Alice")
	s.expect(" 464 ")
	assert.Equal(t, "ERROR :Closing Link: Invalid password", s.expect("ERROR"))
	assert.NoError(t, s.wait())
}

func TestClientMissingPassword(t *testing.T) {
	s := startSession(t, testSessionConfig(t))

	s.send("NICK alice", "USER alice 0 * :Alice")
	assert.Equal(t, "ERROR :Closing Link: Please set a password", s.expect("ERROR"))
}

func TestClientEvictedByNewLogin(t *testing.T) {
	s := startSession(t, testSessionConfig(t))
	s.login()

	s.ep.inbox <- poll.Control{Kind: poll.Die, Args: []string{"alice", poll.EvictionReason}}
	assert.Equal(t, "ERROR :Closing Link: "+poll.EvictionReason, s.expect("ERROR"))
	assert.NoError(t, s.wait())
}

func TestClientWallops(t *testing.T) {
	s := startSession(t, testSessionConfig(t))
	s.login()

	s.ep.inbox <- poll.Control{Kind: poll.Wallops, Args: []string{"root", "maintenance at noon"}}
	assert.Equal(t, ":root WALLOPS :maintenance at noon", s.expect("WALLOPS"))
}

func TestClientOperCommands(t *testing.T) {
	cfg := testSessionConfig(t)
	s := startSession(t, cfg)
	s.login()

	s.send("WALLOPS :hi")
	s.expect(" 481 ")

	s.send("OPER root nope")
	s.expect(" 464 ")

	s.send("OPER root operpass")
	s.expect(" 381 ")
	assert.Equal(t, ":alice!alice@127.0.0.1 MODE alice +o", s.expect("MODE alice"))

	s.send("DIE :upgrade")
	s.send("MOTD")
	s.expect(" 376 ")

	sent := s.ep.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, poll.Oper, sent[1].Kind)
	assert.Equal(t, poll.Control{Kind: poll.Die, Args: []string{"alice", "upgrade"}}, sent[2])

	entries, err := storage.LoadOperLog(cfg.DataDir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Contains(t, entries[0], "DIE: upgrade")
	assert.Contains(t, entries[2], "failed OPER as root")
}

func TestClientChatRoom(t *testing.T) {
	s := startSession(t, testSessionConfig(t))
	s.login()

	s.send("JOIN #lounge")
	s.expect(":alice!alice@127.0.0.1 JOIN #lounge:0")
	s.expect(" 366 alice #lounge:0 ")

	s.send("TOPIC #lounge:0 :weekly sync")
	s.expect("TOPIC #lounge:0 :weekly sync")
	s.send("TOPIC #lounge:0")
	assert.Equal(t, ":gw.test 332 alice #lounge:0 :weekly sync", s.expect(" 332 "))

	s.send("PART #lounge:0")
	s.expect(":alice!alice@127.0.0.1 PART #lounge:0")
	s.send("PART #nowhere")
	assert.Equal(t, ":gw.test 403 alice #nowhere :No such channel", s.expect(" 403 "))
}

func TestClientNickAndWhois(t *testing.T) {
	s := startSession(t, testSessionConfig(t))
	s.login()

	s.send("NICK echo")
	assert.Equal(t, ":gw.test 433 alice echo :Nickname is already in use", s.expect(" 433 "))

	s.send("WHOIS echo")
	assert.Equal(t, ":gw.test 311 alice echo echo loopback:0 * :Loopback echo", s.expect(" 311 "))
	s.expect(" 312 alice echo alice:0 loopback")
	s.expect(" 318 ")

	s.send("NICK alicia")
	assert.Equal(t, ":alice!alice@127.0.0.1 NICK alicia", s.expect("NICK alicia"))
}

func TestClientMapAndLinks(t *testing.T) {
	s := startSession(t, testSessionConfig(t))
	s.login()

	s.send("LINKS")
	assert.Equal(t, ":gw.test 364 alice gw.test gw.test :0 IRC <-> IM gateway", s.expect(" 364 "))
	assert.Equal(t, ":gw.test 364 alice alice:0 gw.test :1 loopback", s.expect(" 364 "))
	s.expect(" 365 ")

	s.send("MAP")
	s.expect(" 015 ")
	s.expect(" 017 ")
}

func TestClientAway(t *testing.T) {
	s := startSession(t, testSessionConfig(t))
	s.login()

	s.send("AWAY :lunch")
	s.expect(" 306 ")
	s.send("AWAY")
	s.expect(" 305 ")
	assert.Equal(t, "", s.mem.Away())
}

func TestClientShutdown(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := NewClient(ClientOptions{
		Conn:     server,
		Remote:   "127.0.0.1:40000",
		Endpoint: newFakeEndpoint(),
		Accounts: fakeAccounts{},
		Backend:  im.NewMemory(0, false),
		Config:   func() SessionConfig { return testSessionConfig(t) },
		Logger:   zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	r := bufio.NewReader(client)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERROR :Closing Link: Server shutting down\r\n", line)
	assert.NoError(t, <-done)
}

func TestClientRehash(t *testing.T) {
	s := startSession(t, testSessionConfig(t))
	s.login()

	s.ep.inbox <- poll.Control{Kind: poll.Rehash}
	assert.Equal(t, ":gw.test 382 alice motd.txt :Rehashing", s.expect(" 382 "))
}
