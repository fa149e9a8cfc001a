package im

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LoopbackProtocol names the accounts a Memory backend connects.
const LoopbackProtocol = "loopback"

// EchoBuddy is the contact a Memory backend with echo enabled puts on
// every buddy list. Messages sent to it come straight back.
const EchoBuddy = "echo@loopback"

// SentMessage records one SendMessage call.
type SentMessage struct {
	Conversation Conversation
	Text         string
	Action       bool
}

// SentFile records one SendFile call.
type SentFile struct {
	Account string
	Buddy   string
	Path    string
}

// Memory is a Backend that keeps everything in process. It is the
// gateway's built-in loopback protocol and the test double for sessions.
type Memory struct {
	delay time.Duration
	echo  bool

	mu            sync.Mutex
	events        chan Event
	closed        bool
	username      string
	accounts      map[string]Account
	conversations map[string]Conversation
	sent          []SentMessage
	files         []SentFile
	left          []Conversation
	away          string
}

// NewMemory creates a Memory backend. With echo set, Login adds EchoBuddy
// to the loopback account.
func NewMemory(delay time.Duration, echo bool) *Memory {
	return &Memory{
		delay:         delay,
		echo:          echo,
		events:        make(chan Event, 1024),
		accounts:      make(map[string]Account),
		conversations: make(map[string]Conversation),
	}
}

// Login connects one loopback account for username.
func (m *Memory) Login(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	acc := Account{ID: "0", Username: username, Protocol: LoopbackProtocol}
	m.mu.Lock()
	m.username = username
	m.accounts[acc.ID] = acc
	m.mu.Unlock()

	m.Emit(AccountConnected{Account: acc})
	if m.echo {
		m.Emit(BuddyUpdated{Buddy: Buddy{
			Account:   acc.ID,
			Name:      EchoBuddy,
			Alias:     "echo",
			RealName:  "Loopback echo",
			Online:    true,
			Available: true,
		}})
	}
	return nil
}

// AddAccount registers an account without emitting anything.
func (m *Memory) AddAccount(acc Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.ID] = acc
}

// Emit queues an event for the session.
func (m *Memory) Emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- ev
}

func (m *Memory) Events() <-chan Event { return m.events }

func (m *Memory) SendDelay() time.Duration { return m.delay }

func (m *Memory) SendMessage(conv Conversation, text string, action bool) error {
	m.mu.Lock()
	if _, ok := m.conversations[conv.ID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("send to %s: %w", conv.ID, ErrUnknownConversation)
	}
	m.sent = append(m.sent, SentMessage{Conversation: conv, Text: text, Action: action})
	m.mu.Unlock()

	if m.echo && conv.Kind == KindIM && conv.Name == EchoBuddy {
		m.Emit(MessageReceived{Conversation: conv, From: EchoBuddy, Text: text, Action: action})
	}
	return nil
}

func (m *Memory) OpenConversation(account, buddy string) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account]; !ok {
		return Conversation{}, fmt.Errorf("open conversation with %s: %w", buddy, ErrUnknownAccount)
	}
	id := "im:" + account + ":" + buddy
	if conv, ok := m.conversations[id]; ok {
		return conv, nil
	}
	conv := Conversation{ID: id, Account: account, Name: buddy, Kind: KindIM}
	m.conversations[id] = conv
	return conv, nil
}

// JoinChat opens a chat room with the local user as its founder.
func (m *Memory) JoinChat(account, name string) error {
	m.mu.Lock()
	acc, ok := m.accounts[account]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("join %s: %w", name, ErrUnknownAccount)
	}
	conv := Conversation{ID: "chat:" + account + ":" + name, Account: account, Name: name, Kind: KindChat}
	m.conversations[conv.ID] = conv
	m.mu.Unlock()

	m.Emit(ConversationOpened{Conversation: conv})
	m.Emit(ParticipantJoined{Conversation: conv, Participant: ChatBuddy{
		Conversation: conv.ID,
		Account:      account,
		Name:         acc.Username,
		Roles:        Founder,
		Me:           true,
	}})
	return nil
}

// Open registers a conversation opened by the remote side and announces it.
func (m *Memory) Open(conv Conversation) {
	m.mu.Lock()
	m.conversations[conv.ID] = conv
	m.mu.Unlock()
	m.Emit(ConversationOpened{Conversation: conv})
}

func (m *Memory) Leave(conv Conversation) error {
	m.mu.Lock()
	_, ok := m.conversations[conv.ID]
	delete(m.conversations, conv.ID)
	m.left = append(m.left, conv)
	m.mu.Unlock()

	if ok && conv.Kind == KindChat {
		m.Emit(ConversationClosed{Conversation: conv})
	}
	return nil
}

func (m *Memory) SetTopic(conv Conversation, topic string) error {
	m.mu.Lock()
	stored, ok := m.conversations[conv.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("set topic on %s: %w", conv.ID, ErrUnknownConversation)
	}
	stored.Topic = topic
	m.conversations[conv.ID] = stored
	who := m.username
	m.mu.Unlock()

	m.Emit(TopicChanged{Conversation: stored, Who: who, Topic: topic})
	return nil
}

func (m *Memory) SendFile(account, buddy, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account]; !ok {
		return fmt.Errorf("send file to %s: %w", buddy, ErrUnknownAccount)
	}
	m.files = append(m.files, SentFile{Account: account, Buddy: buddy, Path: path})
	return nil
}

func (m *Memory) SetAway(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.away = message
	return nil
}

// Close stops event delivery. It is safe to call more than once.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

// Sent returns every message handed to SendMessage.
func (m *Memory) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Files returns every SendFile call.
func (m *Memory) Files() []SentFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentFile(nil), m.files...)
}

// Left returns every conversation handed to Leave.
func (m *Memory) Left() []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Conversation(nil), m.left...)
}

// Away returns the last away message set.
func (m *Memory) Away() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.away
}

// Drain returns the events queued so far without blocking.
func (m *Memory) Drain() []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}
