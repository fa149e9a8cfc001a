package im

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole(t *testing.T) {
	r := Op | Voice
	assert.True(t, r.Has(Op))
	assert.True(t, r.Has(Op|Voice))
	assert.False(t, r.Has(Founder))
	assert.False(t, r.Has(0))
}

func TestAccountServerName(t *testing.T) {
	acc := Account{ID: "jabber0", Username: "alice"}
	assert.Equal(t, "alice:jabber0", acc.ServerName())

	local, domain := SplitName("bob@example.org")
	assert.Equal(t, "bob", local)
	assert.Equal(t, "example.org", domain)
}

func TestMemoryLoginAndEcho(t *testing.T) {
	m := NewMemory(0, true)
	require.NoError(t, m.Login(context.Background(), "alice"))

	events := m.Drain()
	require.Len(t, events, 2)
	connected, ok := events[0].(AccountConnected)
	require.True(t, ok)
	assert.Equal(t, "alice", connected.Account.Username)
	updated, ok := events[1].(BuddyUpdated)
	require.True(t, ok)
	assert.Equal(t, EchoBuddy, updated.Buddy.Name)

	conv, err := m.OpenConversation(connected.Account.ID, EchoBuddy)
	require.NoError(t, err)
	require.NoError(t, m.SendMessage(conv, "ping", false))

	events = m.Drain()
	require.Len(t, events, 1)
	msg := events[0].(MessageReceived)
	assert.Equal(t, "ping", msg.Text)
	assert.Equal(t, EchoBuddy, msg.From)
	assert.Len(t, m.Sent(), 1)
}

func TestMemoryErrors(t *testing.T) {
	m := NewMemory(0, false)

	_, err := m.OpenConversation("nope", "bob")
	assert.ErrorIs(t, err, ErrUnknownAccount)

	err = m.SendMessage(Conversation{ID: "missing"}, "x", false)
	assert.ErrorIs(t, err, ErrUnknownConversation)

	assert.ErrorIs(t, m.JoinChat("nope", "room"), ErrUnknownAccount)
	assert.ErrorIs(t, m.SendFile("nope", "bob", "/tmp/x"), ErrUnknownAccount)
}

func TestMemoryChatLifecycle(t *testing.T) {
	m := NewMemory(0, false)
	m.AddAccount(Account{ID: "0", Username: "alice"})

	require.NoError(t, m.JoinChat("0", "room"))
	events := m.Drain()
	require.Len(t, events, 2)
	opened := events[0].(ConversationOpened)
	joined := events[1].(ParticipantJoined)
	assert.True(t, joined.Participant.Me)

	require.NoError(t, m.SetTopic(opened.Conversation, "hello"))
	topic := m.Drain()[0].(TopicChanged)
	assert.Equal(t, "hello", topic.Topic)

	require.NoError(t, m.Leave(opened.Conversation))
	_, ok := m.Drain()[0].(ConversationClosed)
	assert.True(t, ok)
	assert.Len(t, m.Left(), 1)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	m.Emit(BuddyRemoved{})
}
