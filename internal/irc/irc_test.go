package irc

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/imgate/internal/dcc"
	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/message"
)

type harness struct {
	t      *testing.T
	irc    *IRC
	mem    *im.Memory
	lines  []string
	now    time.Time
	timers []func()
}

func newHarness(t *testing.T, delay time.Duration) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		mem: im.NewMemory(delay, false),
		now: time.Date(2025, 2, 20, 12, 0, 0, 0, time.UTC),
	}
	h.irc = New(Options{
		Settings: Settings{
			Hostname:      "gw.test",
			StatusChannel: "&imgate",
			PublicWindow:  3600 * time.Second,
			UsersDir:      t.TempDir(),
		},
		Backend: h.mem,
		Logger:  zerolog.Nop(),
		Write: func(m *message.Message) {
			line, err := m.Format()
			require.NoError(t, err)
			h.lines = append(h.lines, strings.TrimSuffix(line, "\r\n"))
		},
		After: func(_ time.Duration, f func()) { h.timers = append(h.timers, f) },
		Now:   func() time.Time { return h.now },
	})

	require.NoError(t, h.irc.Register("alice", "alice", "127.0.0.1", "Alice", "alice"))
	h.irc.ensureStatusChannel("&imgate").AddUser(h.irc.User(), im.Op)
	require.NoError(t, h.mem.Login(context.Background(), "alice"))
	h.pump()
	h.lines = nil
	return h
}

// pump applies every queued backend event.
func (h *harness) pump() {
	for _, ev := range h.mem.Drain() {
		h.irc.HandleEvent(ev)
	}
}

func (h *harness) fire() {
	timers := h.timers
	h.timers = nil
	for _, f := range timers {
		f()
	}
}

func (h *harness) take() []string {
	lines := h.lines
	h.lines = nil
	return lines
}

func (h *harness) addBuddy(name, alias string, available bool) *Nick {
	h.irc.HandleEvent(im.BuddyUpdated{Buddy: im.Buddy{
		Account:   "0",
		Name:      name,
		Alias:     alias,
		Online:    true,
		Available: available,
	}})
	return h.irc.buddyNick("0", name)
}

func (h *harness) say(target, text string) {
	user := h.irc.User()
	if ch := h.irc.GetChannel(target); ch != nil {
		ch.Broadcast(message.New(message.CmdPrivmsg).From(user).To(ch).AddArg(text), user)
		return
	}
	n := h.irc.GetNick(target)
	require.NotNil(h.t, n, target)
	n.send(message.New(message.CmdPrivmsg).From(user).To(n).AddArg(text))
}

func TestRegisterJoinsStatusChannel(t *testing.T) {
	h := newHarness(t, 0)

	status := h.irc.GetChannel("&IMGATE")
	require.NotNil(t, status)
	assert.True(t, status.IsStatus())
	assert.True(t, h.irc.User().IsOn(status))
	assert.Equal(t, im.Op, status.Membership(h.irc.User()).Roles())

	require.NotNil(t, h.irc.GetServer("alice:0"))
	assert.Equal(t, "gw.test", h.irc.Servers()[0].Name())
}

func TestJoinSendsNames(t *testing.T) {
	h := newHarness(t, 0)
	h.addBuddy("bob@example.org", "bob", true)
	h.take()

	ch := h.irc.ensureStatusChannel("&other")
	ch.AddUser(h.irc.User(), 0)

	assert.Equal(t, []string{
		":alice!alice@127.0.0.1 JOIN &other",
		":gw.test 353 alice = &other alice",
		":gw.test 366 alice &other :End of /NAMES list",
	}, h.take())
}

func TestBuddyJoinsVoiced(t *testing.T) {
	h := newHarness(t, 0)
	bob := h.addBuddy("bob@example.org", "bob", true)
	require.NotNil(t, bob)

	assert.Equal(t, "bob", bob.Name())
	assert.Equal(t, "bob!bob@example.org:0", bob.LongName())
	assert.Equal(t, []string{
		":bob!bob@example.org:0 JOIN &imgate",
		":gw.test MODE &imgate +v bob",
	}, h.take())

	status := h.irc.GetChannel("&imgate")
	require.NotNil(t, status.Membership(bob))
	assert.Same(t, status.Membership(bob), bob.Membership(status))
}

func TestBuddyAvailabilityTogglesVoice(t *testing.T) {
	h := newHarness(t, 0)
	bob := h.addBuddy("bob@example.org", "bob", true)
	h.take()

	h.irc.HandleEvent(im.BuddyUpdated{Buddy: im.Buddy{Account: "0", Name: "bob@example.org", Alias: "bob", Status: "lunch", Online: true}})
	assert.Equal(t, []string{":gw.test MODE &imgate -v bob"}, h.take())
	assert.Equal(t, "lunch", bob.Away())

	h.irc.HandleEvent(im.BuddyUpdated{Buddy: im.Buddy{Account: "0", Name: "bob@example.org", Alias: "bob", Online: true}})
	assert.Empty(t, h.take())
}

func TestBuddyOfflineQuits(t *testing.T) {
	h := newHarness(t, 0)
	bob := h.addBuddy("bob@example.org", "bob", true)
	h.take()
	status := h.irc.GetChannel("&imgate")

	h.irc.HandleEvent(im.BuddyUpdated{Buddy: im.Buddy{Account: "0", Name: "bob@example.org"}})

	assert.Equal(t, []string{":bob!bob@example.org:0 QUIT Signed-Off"}, h.take())
	assert.Nil(t, h.irc.GetNick("bob"))
	assert.Nil(t, status.Membership(bob))
	assert.Equal(t, 1, status.CountMembers())
}

func TestNickCollisionGetsUnderscore(t *testing.T) {
	h := newHarness(t, 0)
	n := h.addBuddy("alice@example.org", "", true)
	require.NotNil(t, n)
	assert.Equal(t, "alice_", n.Name())

	again := h.addBuddy("alice@other.org", "", true)
	assert.Equal(t, "alice__", again.Name())
}

func TestUniqueNickRespectsLength(t *testing.T) {
	h := newHarness(t, 0)
	long := strings.Repeat("x", MaxNickLen)
	first := h.addBuddy(long+"@a", "", true)
	second := h.addBuddy(long+"@b", "", true)

	assert.Equal(t, long, first.Name())
	assert.Len(t, second.Name(), MaxNickLen)
	assert.True(t, strings.HasSuffix(second.Name(), "_"))
}

func TestNickize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"bob", "bob"},
		{"bob smith", "bobsmith"},
		{"42", "_42"},
		{"-dash", "_-dash"},
		{"", "_"},
		{"é", "_"},
		{"a.b.c", "abc"},
		{"[away]bob", "[away]bob"},
		{strings.Repeat("n", 40), strings.Repeat("n", MaxNickLen)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Nickize(tt.in), tt.in)
	}
}

func TestFoldIsRFC1459(t *testing.T) {
	assert.Equal(t, Fold("bob{}|^"), Fold("BOB[]\\~"))
}

func TestPublicMessageFromStatusChannel(t *testing.T) {
	h := newHarness(t, 0)
	bob := h.addBuddy("bob@example.org", "bob", true)
	h.take()

	h.say("&imgate", "bob: hello")

	sent := h.mem.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Text)
	assert.Equal(t, "bob@example.org", sent[0].Conversation.Name)

	state, last := bob.Route()
	assert.Equal(t, Public, state)
	assert.Equal(t, h.now, last)
}

func TestUnprefixedStatusMessageIsDropped(t *testing.T) {
	h := newHarness(t, 0)
	h.addBuddy("bob@example.org", "bob", true)

	h.say("&imgate", "hello everyone")
	assert.Empty(t, h.mem.Sent())
}

func TestPublicReplyGoesToStatusChannel(t *testing.T) {
	h := newHarness(t, 0)
	h.addBuddy("bob@example.org", "bob", true)
	h.say("&imgate", "bob: hello")
	h.take()

	conv := im.Conversation{ID: "im:0:bob@example.org", Account: "0", Name: "bob@example.org"}
	h.now = h.now.Add(10 * time.Minute)
	h.irc.HandleEvent(im.MessageReceived{Conversation: conv, From: "bob@example.org", Text: "hi"})
	assert.Equal(t, []string{":bob!bob@example.org:0 PRIVMSG &imgate :alice: hi"}, h.take())
}

func TestPublicWindowExpires(t *testing.T) {
	h := newHarness(t, 0)
	bob := h.addBuddy("bob@example.org", "bob", true)
	h.say("&imgate", "bob: hello")
	h.take()

	conv := im.Conversation{ID: "im:0:bob@example.org", Account: "0", Name: "bob@example.org"}
	h.now = h.now.Add(3601 * time.Second)
	h.irc.HandleEvent(im.MessageReceived{Conversation: conv, From: "bob@example.org", Text: "hi"})

	assert.Equal(t, []string{":bob!bob@example.org:0 PRIVMSG alice hi"}, h.take())
	state, _ := bob.Route()
	assert.Equal(t, Private, state)
}

func TestPrivateMessageSetsPrivate(t *testing.T) {
	h := newHarness(t, 0)
	bob := h.addBuddy("bob@example.org", "bob", true)
	h.say("&imgate", "bob: hello")

	h.say("bob", "\x01ACTION waves\x01")
	state, _ := bob.Route()
	assert.Equal(t, Private, state)

	sent := h.mem.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "waves", sent[1].Text)
	assert.True(t, sent[1].Action)
}

func TestUnknownBuddyGetsNick(t *testing.T) {
	h := newHarness(t, 0)
	conv := im.Conversation{ID: "im:0:carol@example.org", Account: "0", Name: "carol@example.org"}
	h.mem.Open(conv)
	h.pump()

	h.irc.HandleEvent(im.MessageReceived{Conversation: conv, From: "carol@example.org", Text: "who?"})
	assert.Equal(t, []string{":carol!carol@example.org:0 PRIVMSG alice who?"}, h.take())

	carol := h.irc.GetNick("carol")
	require.NotNil(t, carol)
	assert.Equal(t, KindUnknownBuddy, carol.Kind())

	h.say("carol", "me")
	sent := h.mem.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, conv.ID, sent[0].Conversation.ID)

	h.irc.HandleEvent(im.ConversationClosed{Conversation: conv})
	assert.Nil(t, h.irc.GetNick("carol"))
}

func joinRoom(t *testing.T, h *harness, room string) *Channel {
	t.Helper()
	require.NoError(t, h.mem.JoinChat("0", room))
	h.pump()
	ch := h.irc.GetChannel("#" + room + ":0")
	require.NotNil(t, ch)
	return ch
}

func TestConversationChannel(t *testing.T) {
	h := newHarness(t, 0)
	ch := joinRoom(t, h, "lounge")

	assert.Equal(t, []string{
		":alice!alice@127.0.0.1 JOIN #lounge:0",
		":gw.test 353 alice = #lounge:0 ~alice",
		":gw.test 366 alice #lounge:0 :End of /NAMES list",
	}, h.take())
	assert.Equal(t, im.Founder, ch.Membership(h.irc.User()).Roles())

	conv, ok := ch.Conversation()
	require.True(t, ok)
	h.irc.HandleEvent(im.ParticipantJoined{Conversation: conv, Participant: im.ChatBuddy{
		Conversation: conv.ID, Account: "0", Name: "dave@example.org", Roles: im.Voice,
	}})
	dave := ch.Participant("dave@example.org")
	require.NotNil(t, dave)
	assert.Equal(t, "dave", dave.Name())
	assert.Equal(t, []string{
		":dave!dave@example.org:0 JOIN #lounge:0",
		":gw.test MODE #lounge:0 +v dave",
	}, h.take())

	h.irc.HandleEvent(im.MessageReceived{Conversation: conv, From: "dave@example.org", Text: "hey all"})
	assert.Equal(t, []string{":dave!dave@example.org:0 PRIVMSG #lounge:0 :hey all"}, h.take())

	h.irc.HandleEvent(im.MessageReceived{Conversation: conv, From: "alice", Text: "own echo"})
	assert.Empty(t, h.take())
}

func TestParticipantRoleChange(t *testing.T) {
	h := newHarness(t, 0)
	ch := joinRoom(t, h, "lounge")
	conv, _ := ch.Conversation()
	dave := im.ChatBuddy{Conversation: conv.ID, Account: "0", Name: "dave", Roles: im.Voice}
	h.irc.HandleEvent(im.ParticipantJoined{Conversation: conv, Participant: dave})
	h.take()

	dave.Roles = im.Op
	h.irc.HandleEvent(im.ParticipantUpdated{Conversation: conv, Participant: dave})

	assert.Equal(t, []string{
		":gw.test MODE #lounge:0 +o dave",
		":gw.test MODE #lounge:0 -v dave",
	}, h.take())
	assert.Equal(t, im.Op, ch.Participant("dave").Membership(ch).Roles())
}

func TestParticipantRename(t *testing.T) {
	h := newHarness(t, 0)
	ch := joinRoom(t, h, "lounge")
	conv, _ := ch.Conversation()
	old := im.ChatBuddy{Conversation: conv.ID, Account: "0", Name: "dave"}
	h.irc.HandleEvent(im.ParticipantJoined{Conversation: conv, Participant: old})
	h.take()

	renamed := old
	renamed.Name = "david"
	h.irc.HandleEvent(im.ParticipantRenamed{Conversation: conv, Old: old, New: renamed})

	assert.Equal(t, []string{":dave!dave@0 NICK david"}, h.take())
	assert.Nil(t, h.irc.GetNick("dave"))
	require.NotNil(t, ch.Participant("david"))
}

func TestParticipantRenameWithDomain(t *testing.T) {
	h := newHarness(t, 0)
	ch := joinRoom(t, h, "lounge")
	conv, _ := ch.Conversation()
	old := im.ChatBuddy{Conversation: conv.ID, Account: "0", Name: "dave@jabber.org"}
	h.irc.HandleEvent(im.ParticipantJoined{Conversation: conv, Participant: old})
	h.take()
	require.Equal(t, "dave", ch.Participant("dave@jabber.org").Name())

	renamed := old
	renamed.Name = "david@jabber.org"
	h.irc.HandleEvent(im.ParticipantRenamed{Conversation: conv, Old: old, New: renamed})

	assert.Equal(t, []string{":dave!dave@jabber.org:0 NICK david"}, h.take())
	require.NotNil(t, ch.Participant("david@jabber.org"))
	assert.Equal(t, "david", ch.Participant("david@jabber.org").Name())
}

func TestParticipantCollidesWithBuddy(t *testing.T) {
	h := newHarness(t, 0)
	bob := h.addBuddy("bob@example.org", "", true)
	require.Equal(t, "bob", bob.Name())
	ch := joinRoom(t, h, "lounge")
	conv, _ := ch.Conversation()
	h.take()

	h.irc.HandleEvent(im.ParticipantJoined{Conversation: conv, Participant: im.ChatBuddy{
		Conversation: conv.ID, Account: "0", Name: "bob@jabber.org",
	}})

	p := ch.Participant("bob@jabber.org")
	require.NotNil(t, p)
	assert.Equal(t, "bob_", p.Name())
	assert.Same(t, bob, h.irc.GetNick("bob"))
	assert.Same(t, p, h.irc.GetNick("BOB_"))
	lines := h.take()
	require.NotEmpty(t, lines)
	assert.Equal(t, ":bob_!bob@jabber.org:0 JOIN #lounge:0", lines[0])
}

func TestMultilineMessageIsSplit(t *testing.T) {
	h := newHarness(t, 0)
	h.addBuddy("bob@example.org", "", true)
	h.take()

	conv := im.Conversation{ID: "c1", Account: "0", Name: "bob@example.org", Kind: im.KindIM}
	h.irc.HandleEvent(im.MessageReceived{Conversation: conv, From: "bob@example.org", Text: "first\r\n\nsecond"})

	assert.Equal(t, []string{
		":bob!bob@example.org:0 PRIVMSG alice first",
		":bob!bob@example.org:0 PRIVMSG alice second",
	}, h.take())
}

func TestParticipantLeaves(t *testing.T) {
	h := newHarness(t, 0)
	ch := joinRoom(t, h, "lounge")
	conv, _ := ch.Conversation()
	dave := im.ChatBuddy{Conversation: conv.ID, Account: "0", Name: "dave"}
	h.irc.HandleEvent(im.ParticipantJoined{Conversation: conv, Participant: dave})
	h.take()

	h.irc.HandleEvent(im.ParticipantLeft{Conversation: conv, Participant: dave, Reason: "bye"})
	assert.Equal(t, []string{":dave!dave@0 PART #lounge:0 bye"}, h.take())
	assert.Nil(t, h.irc.GetNick("dave"))
	assert.Equal(t, 1, ch.CountMembers())
}

func TestUserPartLeavesConversation(t *testing.T) {
	h := newHarness(t, 0)
	ch := joinRoom(t, h, "lounge")
	conv, _ := ch.Conversation()
	h.irc.HandleEvent(im.ParticipantJoined{Conversation: conv, Participant: im.ChatBuddy{Conversation: conv.ID, Account: "0", Name: "dave"}})
	h.take()

	ch.Part(h.irc.User(), "")
	h.pump()

	left := h.mem.Left()
	require.Len(t, left, 1)
	assert.Equal(t, conv.ID, left[0].ID)
	assert.Nil(t, h.irc.GetChannel("#lounge:0"))
	assert.Nil(t, h.irc.GetNick("dave"))
	assert.False(t, h.irc.User().IsOn(ch))
}

func TestConversationTopic(t *testing.T) {
	h := newHarness(t, 0)
	ch := joinRoom(t, h, "lounge")
	h.take()

	require.NoError(t, ch.SetTopic(h.irc.User(), "new topic"))
	assert.Empty(t, h.take())

	h.pump()
	assert.Equal(t, []string{":alice!alice@127.0.0.1 TOPIC #lounge:0 :new topic"}, h.take())
	assert.Equal(t, "new topic", ch.Topic())
}

func TestAccountDisconnectTearsDown(t *testing.T) {
	h := newHarness(t, 0)
	h.addBuddy("bob@example.org", "bob", true)
	joinRoom(t, h, "lounge")
	h.take()

	acc := im.Account{ID: "0", Username: "alice", Protocol: im.LoopbackProtocol}
	h.irc.HandleEvent(im.AccountDisconnected{Account: acc, Reason: "network"})

	assert.Nil(t, h.irc.GetNick("bob"))
	assert.Nil(t, h.irc.GetChannel("#lounge:0"))
	assert.Nil(t, h.irc.GetServer("alice:0"))
	assert.Contains(t, h.take(), ":bob!bob@example.org:0 QUIT network")
}

func TestSendQueueCoalesces(t *testing.T) {
	h := newHarness(t, time.Second)
	h.addBuddy("bob@example.org", "bob", true)

	h.say("bob", "one")
	h.say("bob", "two")
	h.say("bob", "\x01ACTION three\x01")
	h.say("bob", "four")
	assert.Empty(t, h.mem.Sent())
	require.Len(t, h.timers, 1)

	h.fire()
	sent := h.mem.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "one\ntwo", sent[0].Text)
	assert.Equal(t, "three", sent[1].Text)
	assert.True(t, sent[1].Action)
	assert.Equal(t, "four", sent[2].Text)
}

func TestSendQueueStoppedOnQuit(t *testing.T) {
	h := newHarness(t, time.Second)
	h.addBuddy("bob@example.org", "bob", true)
	h.say("bob", "lost")

	h.irc.HandleEvent(im.BuddyRemoved{Buddy: im.Buddy{Account: "0", Name: "bob@example.org"}})
	h.fire()
	assert.Empty(t, h.mem.Sent())
}

func TestSetUserNick(t *testing.T) {
	h := newHarness(t, 0)
	h.addBuddy("bob@example.org", "bob", true)
	h.take()

	assert.ErrorIs(t, h.irc.SetUserNick("BOB"), ErrNickInUse)
	assert.ErrorIs(t, h.irc.SetUserNick("1bad"), ErrInvalidNick)

	require.NoError(t, h.irc.SetUserNick("alicia"))
	assert.Equal(t, []string{":alice!alice@127.0.0.1 NICK alicia"}, h.take())
	assert.Same(t, h.irc.User(), h.irc.GetNick("ALICIA"))
}

func TestDCCDisabledNotice(t *testing.T) {
	h := newHarness(t, 0)
	h.addBuddy("bob@example.org", "bob", true)
	h.take()

	h.say("bob", "\x01DCC SEND file.txt 2130706433 5000 12\x01")
	assert.Empty(t, h.mem.Sent())
	assert.Equal(t, []string{":bob!bob@example.org:0 NOTICE alice :File transfers are disabled on this server"}, h.take())
}

func TestLinkTree(t *testing.T) {
	h := newHarness(t, 0)
	entries := h.irc.LinkTree().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "gw.test", entries[0].Server)
	assert.Equal(t, 0, entries[0].Hops)
	assert.Equal(t, "alice:0", entries[1].Server)
	assert.Equal(t, "gw.test", entries[1].Hub)
}

func TestIncomingFileStreamsAsItArrives(t *testing.T) {
	h := newHarness(t, 0)
	h.irc.settings.DCCEnabled = true
	h.irc.settings.DCC = dcc.Config{OwnIP: net.IPv4(127, 0, 0, 1), Timeout: 5 * time.Second, Logger: zerolog.Nop()}
	h.addBuddy("bob@example.org", "bob", true)
	h.take()

	path := filepath.Join(t.TempDir(), "greeting.txt")
	require.NoError(t, os.WriteFile(path, []byte("hel"), 0o600))

	h.irc.HandleEvent(im.FileReceived{
		ID: "f1", Account: "0", Buddy: "bob@example.org",
		Name: "greeting.txt", Path: path, Size: 5, Received: 3,
	})
	lines := h.take()
	require.Len(t, lines, 1)
	m := message.Parse(lines[0])
	assert.Equal(t, "bob", m.SenderName())
	offer, err := dcc.ParseSend(m.Arg(1))
	require.NoError(t, err)
	assert.Equal(t, int64(5), offer.Size)

	conn, err := net.Dial("tcp4", offer.Addr())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 3)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(buf))

	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	h.irc.HandleEvent(im.FileProgress{ID: "f1", Received: 5})

	buf = make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "lo", string(buf))

	var ack [4]byte
	binary.BigEndian.PutUint32(ack[:], 5)
	_, err = conn.Write(ack[:])
	require.NoError(t, err)
}

func TestFileProgressForUnknownIDIsIgnored(t *testing.T) {
	h := newHarness(t, 0)
	h.irc.HandleEvent(im.FileProgress{ID: "nope", Received: 10})
	assert.Empty(t, h.take())
}
