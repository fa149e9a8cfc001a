// Package message implements the IRC line codec used between the gateway
// and its IRC client.
package message

import (
	"errors"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// ErrMalformed is recorded when an argument is appended after an argument
// that has to be serialized as the trailing parameter.
var ErrMalformed = errors.New("malformed message")

// Entity is anything that can appear as the source or target of a message.
type Entity interface {
	// Name is the short wire name (nickname, channel or server name).
	Name() string
	// LongName is the form used in a message prefix, e.g. nick!ident@host.
	LongName() string
}

// literal is an Entity known only by name.
type literal string

func (l literal) Name() string     { return string(l) }
func (l literal) LongName() string { return string(l) }

// Message is one IRC protocol line.
type Message struct {
	command  string
	sender   Entity
	receiver Entity
	args     []string
	err      error
}

// New starts a message for command.
func New(command string) *Message {
	return &Message{command: strings.ToUpper(command)}
}

// From sets the sender entity.
func (m *Message) From(e Entity) *Message {
	m.sender = e
	return m
}

// FromName sets the sender by name.
func (m *Message) FromName(name string) *Message {
	return m.From(literal(name))
}

// To sets the receiver entity.
func (m *Message) To(e Entity) *Message {
	m.receiver = e
	return m
}

// ToName sets the receiver by name.
func (m *Message) ToName(name string) *Message {
	return m.To(literal(name))
}

// AddArg appends an argument. Appending after an argument that needs the
// trailing form records ErrMalformed, which Format and Err report.
func (m *Message) AddArg(arg string) *Message {
	if m.err != nil {
		return m
	}
	if n := len(m.args); n > 0 && isTrailing(m.args[n-1]) {
		m.err = ErrMalformed
		return m
	}
	m.args = append(m.args, arg)
	return m
}

// AddArgs appends every arg in order.
func (m *Message) AddArgs(args ...string) *Message {
	for _, a := range args {
		m.AddArg(a)
	}
	return m
}

// Err returns the first construction error.
func (m *Message) Err() error { return m.err }

// Command returns the upper-cased command or numeric.
func (m *Message) Command() string { return m.command }

// Sender returns the sender entity, or nil.
func (m *Message) Sender() Entity { return m.sender }

// SenderName returns the sender's short name, or "".
func (m *Message) SenderName() string {
	if m.sender == nil {
		return ""
	}
	return m.sender.Name()
}

// Receiver returns the receiver entity, or nil.
func (m *Message) Receiver() Entity { return m.receiver }

// ReceiverName returns the receiver's name, or "".
func (m *Message) ReceiverName() string {
	if m.receiver == nil {
		return ""
	}
	return m.receiver.Name()
}

// Args returns a copy of the argument list.
func (m *Message) Args() []string {
	return append([]string(nil), m.args...)
}

// Arg returns argument i, or "" when out of range.
func (m *Message) Arg(i int) string {
	if i < 0 || i >= len(m.args) {
		return ""
	}
	return m.args[i]
}

// CountArgs returns the number of arguments.
func (m *Message) CountArgs() int { return len(m.args) }

// Format serializes the message as a CRLF-terminated line. Only the last
// argument may be empty, start with ':' or contain a space.
func (m *Message) Format() (string, error) {
	if m.err != nil {
		return "", m.err
	}

	params := make([]string, 0, len(m.args)+1)
	if m.receiver != nil {
		name := m.receiver.Name()
		if name == "" {
			name = "*"
		}
		params = append(params, name)
	}
	params = append(params, m.args...)

	source := ""
	if m.sender != nil {
		source = m.sender.LongName()
	}
	msg := ircmsg.MakeMessage(nil, source, m.command, params...)
	line, err := msg.LineBytesStrict(false, 0)
	if errors.Is(err, ircmsg.ErrorBadParam) {
		return "", ErrMalformed
	}
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// String is Format without the line terminator, for logs.
func (m *Message) String() string {
	line, err := m.Format()
	if err != nil {
		return m.command + " <" + err.Error() + ">"
	}
	return strings.TrimSuffix(line, "\r\n")
}

// prefix is a sender parsed from a ":nick!ident@host" line prefix.
type prefix struct{ name, long string }

func (p prefix) Name() string     { return p.name }
func (p prefix) LongName() string { return p.long }

// Parse reads one line received from a client. The command is upper-cased,
// a trailing argument keeps the rest of the line verbatim and a ":prefix"
// becomes the sender. Every parameter is an argument: the first one is
// Arg(0), not the receiver, since commands such as NICK or USER have none.
// An empty or invalid line yields a message with an empty command.
func Parse(line string) *Message {
	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		return &Message{}
	}

	m := &Message{command: msg.Command, args: msg.Params}
	if msg.Source != "" {
		p := prefix{name: msg.Source, long: msg.Source}
		if nuh, err := ircmsg.ParseNUH(msg.Source); err == nil {
			p.name = nuh.Name
		}
		m.sender = p
	}
	return m
}

// ParseAddressed is Parse for a line whose first parameter names the
// receiver, such as a line built with To. It is the inverse of Format.
func ParseAddressed(line string) *Message {
	m := Parse(line)
	if len(m.args) > 0 {
		m.receiver = literal(m.args[0])
		m.args = m.args[1:]
	}
	return m
}

// RebuildWithQuotes merges arguments delimited by double quotes back into
// one argument and strips the quotes. Arguments already containing a space
// are left alone.
func (m *Message) RebuildWithQuotes() *Message {
	m.args = RebuildWithQuotes(m.args)
	return m
}

// RebuildWithQuotes is the slice form of Message.RebuildWithQuotes.
func RebuildWithQuotes(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		s := args[i]
		if !strings.HasPrefix(s, `"`) || strings.Contains(s, " ") {
			out = append(out, s)
			continue
		}
		s = s[1:]
		for !strings.HasSuffix(s, `"`) && i+1 < len(args) {
			i++
			s += " " + args[i]
		}
		out = append(out, strings.TrimSuffix(s, `"`))
	}
	return out
}

func isTrailing(arg string) bool {
	return arg == "" || arg[0] == ':' || strings.IndexByte(arg, ' ') >= 0
}
