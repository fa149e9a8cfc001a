// Package poll runs IRC sessions, either one on stdin/stdout (inetd) or one
// goroutine per accepted connection (daemon), and relays control messages
// between them.
package poll

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrTooManyConnections is logged when maxcon refuses a peer.
var ErrTooManyConnections = errors.New("too many connections")

// Kind is a control message type.
type Kind uint8

const (
	// Wallops args: nick, text. Broadcast to every session.
	Wallops Kind = iota + 1
	// Rehash reloads configuration everywhere.
	Rehash
	// Die args: nick, reason. Stops every session and the server.
	Die
	// Oper args: nick. Announces a new operator.
	Oper
	// User args: username. Evicts other sessions of the same user.
	User
)

var kindNames = map[Kind]string{
	Wallops: "WALLOPS",
	Rehash:  "REHASH",
	Die:     "DIE",
	Oper:    "OPER",
	User:    "USER",
}

// minArgs is the least number of arguments each kind needs.
var minArgs = map[Kind]int{
	Wallops: 2,
	Rehash:  0,
	Die:     2,
	Oper:    1,
	User:    1,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Control is one message on the control channel.
type Control struct {
	Kind Kind
	Args []string
}

// Arg returns argument i, or "".
func (c Control) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Valid reports whether the kind is known and has enough arguments.
func (c Control) Valid() bool {
	n, ok := minArgs[c.Kind]
	return ok && len(c.Args) >= n
}

// EvictionReason is sent to a session replaced by a newer login.
const EvictionReason = "You are logged from another location."

// Endpoint is a session's end of the control channel.
type Endpoint interface {
	// Send hands c to the multiplexer and returns once it was dispatched.
	Send(ctx context.Context, c Control) error
	// Inbox delivers control messages addressed to the session.
	Inbox() <-chan Control
}

// SessionFunc runs one IRC session over conn until it ends.
type SessionFunc func(ctx context.Context, conn io.ReadWriteCloser, remote string, ep Endpoint) error

// SessionInfo describes a running session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Remote   string    `json:"remote"`
	Started  time.Time `json:"started"`
}

// Poll is a deployment topology.
type Poll interface {
	// Serve runs sessions until ctx is cancelled or DIE is received.
	Serve(ctx context.Context) error
	// Rehash reloads configuration and tells every session.
	Rehash()
	Sessions() []SessionInfo
}
