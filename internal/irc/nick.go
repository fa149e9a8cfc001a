package irc

import (
	"errors"
	"sort"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/dalnet/imgate/internal/dcc"
	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/message"
)

// MaxNickLen is the longest nickname handed out.
const MaxNickLen = 29

var (
	ErrNickInUse   = errors.New("nickname is already in use")
	ErrInvalidNick = errors.New("erroneous nickname")
)

// NickID is the arena handle of a nick.
type NickID uint64

// NickKind tags the nick variants.
type NickKind uint8

const (
	// KindUser is the human on the IRC connection.
	KindUser NickKind = iota
	// KindBuddy is an IM contact.
	KindBuddy
	// KindChatBuddy is a participant of a chat conversation.
	KindChatBuddy
	// KindUnknownBuddy stands for a conversation partner that is not on
	// any buddy list.
	KindUnknownBuddy
)

func (k NickKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindBuddy:
		return "buddy"
	case KindChatBuddy:
		return "chatbuddy"
	case KindUnknownBuddy:
		return "unknown"
	}
	return "invalid"
}

// nickBehavior is the per-kind capability table.
type nickBehavior struct {
	// send delivers a message addressed to, or broadcast at, the nick.
	send func(n *Nick, m *message.Message)
	away func(n *Nick) string
}

var behaviors map[NickKind]nickBehavior

func init() {
	behaviors = map[NickKind]nickBehavior{
		KindUser:         {send: (*Nick).sendUser, away: (*Nick).awayMessage},
		KindBuddy:        {send: (*Nick).sendBuddy, away: (*Nick).buddyAway},
		KindChatBuddy:    {send: (*Nick).sendChatBuddy, away: (*Nick).awayMessage},
		KindUnknownBuddy: {send: (*Nick).sendUnknown, away: (*Nick).awayMessage},
	}
}

// Nick is a user, buddy, chat participant or unknown correspondent.
type Nick struct {
	irc  *IRC
	id   NickID
	kind NickKind

	name     string
	ident    string
	host     string
	realname string
	away     string
	oper     bool
	server   *Server

	memberships map[ChannelID]*Membership

	// KindBuddy
	buddy im.Buddy
	route route

	// KindChatBuddy
	participant im.ChatBuddy

	// private conversation, opened lazily for buddies
	conv  *im.Conversation
	queue *sendQueue
	chat  *dcc.Chat
}

func (n *Nick) Name() string { return n.name }

// LongName is nick!ident@host.
func (n *Nick) LongName() string {
	nuh := ircmsg.NUH{Name: n.name, User: n.ident, Host: n.host}
	return nuh.Canonical()
}

func (n *Nick) ID() NickID       { return n.id }
func (n *Nick) Kind() NickKind   { return n.kind }
func (n *Nick) Ident() string    { return n.ident }
func (n *Nick) Host() string     { return n.host }
func (n *Nick) RealName() string { return n.realname }
func (n *Nick) Server() *Server  { return n.server }
func (n *Nick) IsOper() bool     { return n.oper }

// Away returns the away message, or "" when not away.
func (n *Nick) Away() string {
	return behaviors[n.kind].away(n)
}

func (n *Nick) send(m *message.Message) {
	behaviors[n.kind].send(n, m)
}

// Channels returns the channels n is on, sorted by name.
func (n *Nick) Channels() []*Channel {
	var result []*Channel
	for _, id := range n.channelIDs() {
		if ch := n.irc.channels[id]; ch != nil {
			result = append(result, ch)
		}
	}
	sort.Slice(result, func(i, j int) bool { return Fold(result[i].name) < Fold(result[j].name) })
	return result
}

func (n *Nick) channelIDs() []ChannelID {
	ids := make([]ChannelID, 0, len(n.memberships))
	for id := range n.memberships {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsOn reports whether n is a member of ch.
func (n *Nick) IsOn(ch *Channel) bool {
	_, ok := n.memberships[ch.id]
	return ok
}

// Membership returns n's membership of ch, or nil.
func (n *Nick) Membership(ch *Channel) *Membership {
	return n.memberships[ch.id]
}

func (n *Nick) awayMessage() string { return n.away }

// sendUser writes to the IRC connection.
func (n *Nick) sendUser(m *message.Message) {
	if m.Err() != nil {
		n.irc.log.Debug().Err(m.Err()).Str("command", m.Command()).Msg("Dropping malformed message")
		return
	}
	n.irc.write(m)
}

// Fold case-maps a nick or channel name with rfc1459 rules.
func Fold(name string) string {
	b := []byte(strings.ToLower(name))
	for i, c := range b {
		switch c {
		case '[':
			b[i] = '{'
		case ']':
			b[i] = '}'
		case '\\':
			b[i] = '|'
		case '~':
			b[i] = '^'
		}
	}
	return string(b)
}

func isNickChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("-_[]\\`^{}|", c) >= 0
}

// ValidNick reports whether name can be used as a nickname.
func ValidNick(name string) bool {
	if name == "" || len(name) > MaxNickLen {
		return false
	}
	if name[0] == '-' || (name[0] >= '0' && name[0] <= '9') {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isNickChar(name[i]) {
			return false
		}
	}
	return true
}

// Nickize turns an arbitrary IM name into a valid nickname.
func Nickize(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if isNickChar(name[i]) {
			b.WriteByte(name[i])
		}
	}
	nick := b.String()
	if nick == "" {
		return "_"
	}
	if nick[0] == '-' || (nick[0] >= '0' && nick[0] <= '9') {
		nick = "_" + nick
	}
	if len(nick) > MaxNickLen {
		nick = nick[:MaxNickLen]
	}
	return nick
}

// buddyIdentity derives nick, ident and host of an IM contact from its
// protocol name: alias (or local part) as nick, local part as ident, and
// domain:account as host.
func buddyIdentity(name, alias, accountID string) (nick, ident, host string) {
	local, domain := im.SplitName(name)
	if alias == "" || strings.ContainsAny(alias, "@ ") {
		nick = Nickize(local)
	} else {
		nick = Nickize(alias)
	}
	ident = local
	if ident == "" {
		ident = "im"
	}
	if domain == "" {
		host = accountID
	} else {
		host = domain + ":" + accountID
	}
	return nick, ident, host
}

// newBuddyNick builds an unregistered nick for an IM contact.
func (irc *IRC) newBuddyNick(b im.Buddy) *Nick {
	nick, ident, host := buddyIdentity(b.Name, b.Alias, b.Account)
	return &Nick{
		kind:     KindBuddy,
		name:     irc.UniqueNick(nick),
		ident:    ident,
		host:     host,
		realname: b.RealName,
		server:   irc.accountServer(b.Account),
		buddy:    b,
	}
}

// chatBuddyNick is the nickname of a chat participant: its name up to the
// first space or '@'.
func chatBuddyNick(name string) string {
	if i := strings.IndexAny(name, " @"); i > 0 {
		name = name[:i]
	}
	return Nickize(name)
}

// newChatBuddyNick builds an unregistered nick for a chat participant.
func (irc *IRC) newChatBuddyNick(cb im.ChatBuddy) *Nick {
	_, ident, host := buddyIdentity(cb.Name, "", cb.Account)
	if cb.RealName != "" {
		ident, _ = im.SplitName(cb.RealName)
	}
	return &Nick{
		kind:        KindChatBuddy,
		name:        irc.UniqueNick(chatBuddyNick(cb.Name)),
		ident:       ident,
		host:        host,
		realname:    cb.RealName,
		server:      irc.accountServer(cb.Account),
		participant: cb,
	}
}

// newUnknownNick builds an unregistered nick for the partner of an IM
// conversation that is not a known buddy.
func (irc *IRC) newUnknownNick(conv im.Conversation) *Nick {
	nick, ident, host := buddyIdentity(conv.Name, "", conv.Account)
	c := conv
	return &Nick{
		kind:     KindUnknownBuddy,
		name:     irc.UniqueNick(nick),
		ident:    ident,
		host:     host,
		realname: conv.Name,
		server:   irc.accountServer(conv.Account),
		conv:     &c,
	}
}
