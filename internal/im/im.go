// Package im describes the instant-messaging backend a gateway session
// drives, and ships an in-memory implementation of it.
package im

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownAccount      = errors.New("unknown account")
	ErrUnknownConversation = errors.New("unknown conversation")
)

// Role is a bitmask of chat participant privileges.
type Role uint8

const (
	Founder Role = 1 << iota
	Op
	HalfOp
	Voice
)

// Has reports whether every bit of o is set in r.
func (r Role) Has(o Role) bool { return r&o == o && o != 0 }

// Account is one connected IM account.
type Account struct {
	ID            string
	Username      string
	Protocol      string
	StatusChannel string
}

// ServerName is the IRC server name representing the account.
func (a Account) ServerName() string {
	return a.Username + ":" + a.ID
}

// Buddy is a contact on an account's buddy list.
type Buddy struct {
	Account   string
	Name      string // protocol identifier, often user@domain
	Alias     string
	RealName  string
	Status    string // away message or status text
	Online    bool
	Available bool
}

// Key identifies the buddy across accounts.
func (b Buddy) Key() string { return b.Account + "/" + b.Name }

// ConversationKind distinguishes one-to-one from multi-user conversations.
type ConversationKind uint8

const (
	KindIM ConversationKind = iota
	KindChat
)

// Conversation is a live IM conversation.
type Conversation struct {
	ID      string
	Account string
	Name    string // buddy name for KindIM, room name for KindChat
	Kind    ConversationKind
	Topic   string
}

// ChatBuddy is a participant of a KindChat conversation.
type ChatBuddy struct {
	Conversation string
	Account      string
	Name         string
	RealName     string
	Roles        Role
	Me           bool
}

// SplitName splits a protocol identifier at '@' into local part and domain.
func SplitName(name string) (local, domain string) {
	local, domain, _ = strings.Cut(name, "@")
	return local, domain
}

// Backend is the IM side of one user's session. Events are delivered on
// the Events channel, which is closed by Close.
type Backend interface {
	// Login connects every account configured for username.
	Login(ctx context.Context, username string) error
	Events() <-chan Event
	// SendDelay is the minimum spacing between consecutive messages
	// delivered to one conversation.
	SendDelay() time.Duration

	SendMessage(conv Conversation, text string, action bool) error
	OpenConversation(account, buddy string) (Conversation, error)
	JoinChat(account, name string) error
	Leave(conv Conversation) error
	SetTopic(conv Conversation, topic string) error
	SendFile(account, buddy, path string) error
	SetAway(message string) error
	Close() error
}
