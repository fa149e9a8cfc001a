package irc

import (
	"strconv"
	"strings"
	"time"

	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/message"
)

// ChannelID is the arena handle of a channel.
type ChannelID uint64

// ChannelKind tags the channel variants.
type ChannelKind uint8

const (
	// KindStatus holds an account's buddies.
	KindStatus ChannelKind = iota
	// KindConversation mirrors one chat conversation.
	KindConversation
)

// roleTable maps roles to mode letters and NAMES prefixes, in display
// order.
var roleTable = []struct {
	role   im.Role
	mode   byte
	prefix byte
}{
	{im.Founder, 'q', '~'},
	{im.Op, 'o', '@'},
	{im.HalfOp, 'h', '%'},
	{im.Voice, 'v', '+'},
}

// RolePrefix concatenates the prefix glyphs of roles.
func RolePrefix(roles im.Role) string {
	var b strings.Builder
	for _, r := range roleTable {
		if roles.Has(r.role) {
			b.WriteByte(r.prefix)
		}
	}
	return b.String()
}

// RoleModes returns the mode letters of roles, and how many there are.
func RoleModes(roles im.Role) (string, int) {
	var b strings.Builder
	for _, r := range roleTable {
		if roles.Has(r.role) {
			b.WriteByte(r.mode)
		}
	}
	return b.String(), b.Len()
}

// Membership ties one nick to one channel. It is registered with both.
type Membership struct {
	nick    NickID
	channel ChannelID
	roles   im.Role
}

func (m *Membership) Nick() NickID       { return m.nick }
func (m *Membership) Channel() ChannelID { return m.channel }
func (m *Membership) Roles() im.Role     { return m.roles }
func (m *Membership) Prefix() string     { return RolePrefix(m.roles) }

// Channel is a status channel or a conversation channel.
type Channel struct {
	irc     *IRC
	id      ChannelID
	kind    ChannelKind
	name    string
	topic   string
	created time.Time
	members []*Membership

	// KindConversation
	conv         im.Conversation
	participants map[string]*Membership
	queue        *sendQueue
}

func (ch *Channel) Name() string        { return ch.name }
func (ch *Channel) LongName() string    { return ch.name }
func (ch *Channel) ID() ChannelID       { return ch.id }
func (ch *Channel) Kind() ChannelKind   { return ch.kind }
func (ch *Channel) IsStatus() bool      { return ch.kind == KindStatus }
func (ch *Channel) CountMembers() int   { return len(ch.members) }
func (ch *Channel) Members() []*Membership {
	return append([]*Membership(nil), ch.members...)
}

// Conversation returns the bound conversation of a conversation channel.
func (ch *Channel) Conversation() (im.Conversation, bool) {
	return ch.conv, ch.kind == KindConversation
}

// Topic returns the channel topic. A conversation channel reads it from
// the conversation.
func (ch *Channel) Topic() string {
	if ch.kind == KindConversation {
		return ch.conv.Topic
	}
	return ch.topic
}

// Membership returns the membership of n, or nil.
func (ch *Channel) Membership(n *Nick) *Membership {
	for _, m := range ch.members {
		if m.nick == n.id {
			return m
		}
	}
	return nil
}

// AddUser joins n with roles. Every member, n included, sees the JOIN.
// Other members see the role modes. n gets the topic and the NAMES list.
func (ch *Channel) AddUser(n *Nick, roles im.Role) *Membership {
	if m := ch.Membership(n); m != nil {
		return m
	}
	m := &Membership{nick: n.id, channel: ch.id, roles: roles}
	ch.members = append(ch.members, m)
	n.memberships[ch.id] = m

	join := message.New(message.CmdJoin).From(n).To(ch)
	for _, other := range ch.memberNicks() {
		other.send(join)
		if roles != 0 && other != n {
			other.send(ch.modeMessage(ch.irc, true, roles, n))
		}
	}

	if topic := ch.Topic(); topic != "" {
		n.send(message.New(message.RplTopic).From(ch.irc).To(n).AddArgs(ch.name, topic))
	}
	ch.SendNames(n)
	return m
}

// delUser removes n. A non-nil msg goes to the members that remain.
func (ch *Channel) delUser(n *Nick, msg *message.Message) {
	if ch.kind == KindConversation {
		ch.delParticipantUser(n, msg)
		return
	}
	ch.removeMember(n, msg)
}

func (ch *Channel) removeMember(n *Nick, msg *message.Message) {
	kept := ch.members[:0]
	for _, m := range ch.members {
		if m.nick == n.id {
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(ch.members); i++ {
		ch.members[i] = nil
	}
	ch.members = kept
	delete(n.memberships, ch.id)

	if msg != nil {
		for _, other := range ch.memberNicks() {
			other.send(msg)
		}
	}
}

// Part makes n leave, telling n and the remaining members.
func (ch *Channel) Part(n *Nick, reason string) {
	msg := message.New(message.CmdPart).FromName(n.LongName()).To(ch)
	if reason != "" {
		msg.AddArg(reason)
	}
	n.send(msg)
	ch.delUser(n, msg)
}

// Broadcast sends m to every member except butone.
func (ch *Channel) Broadcast(m *message.Message, butone *Nick) {
	if ch.kind == KindConversation && m.Command() == message.CmdPrivmsg && m.Sender() == ch.irc.user {
		text, action := message.UnpackAction(m.Arg(0))
		ch.queue.push(text, action)
		return
	}
	for _, n := range ch.memberNicks() {
		if n != butone {
			n.send(m)
		}
	}
}

// SetMode grants the roles of mask that membership does not hold yet and
// announces them in one MODE line.
func (ch *Channel) SetMode(sender message.Entity, mask im.Role, m *Membership) {
	add := mask &^ m.roles
	if add == 0 {
		return
	}
	m.roles |= add
	if n := ch.irc.nickByID(m.nick); n != nil {
		ch.Broadcast(ch.modeMessage(sender, true, add, n), nil)
	}
}

// DelMode revokes the roles of mask that membership holds.
func (ch *Channel) DelMode(sender message.Entity, mask im.Role, m *Membership) {
	del := mask & m.roles
	if del == 0 {
		return
	}
	m.roles &^= del
	if n := ch.irc.nickByID(m.nick); n != nil {
		ch.Broadcast(ch.modeMessage(sender, false, del, n), nil)
	}
}

func (ch *Channel) modeMessage(sender message.Entity, add bool, roles im.Role, n *Nick) *message.Message {
	if sender == nil {
		sender = ch.irc
	}
	modes, count := RoleModes(roles)
	if add {
		modes = "+" + modes
	} else {
		modes = "-" + modes
	}
	msg := message.New(message.CmdMode).From(sender).To(ch).AddArg(modes)
	for i := 0; i < count; i++ {
		msg.AddArg(n.name)
	}
	return msg
}

// SetTopic changes the topic. The user's change on a conversation channel
// is written through to the conversation, which echoes it back as an event.
func (ch *Channel) SetTopic(from message.Entity, topic string) error {
	if ch.kind == KindConversation && from == ch.irc.user {
		return ch.irc.backend.SetTopic(ch.conv, topic)
	}
	ch.setTopic(from, topic)
	return nil
}

func (ch *Channel) setTopic(from message.Entity, topic string) {
	if ch.topic == topic && ch.Topic() == topic {
		return
	}
	ch.topic = topic
	if ch.kind == KindConversation {
		ch.conv.Topic = topic
	}
	if from == nil {
		from = ch.irc
	}
	ch.Broadcast(message.New(message.CmdTopic).From(from).To(ch).AddArg(topic), nil)
}

// SendNames sends the 353/366 listing to n.
func (ch *Channel) SendNames(n *Nick) {
	names := make([]string, 0, len(ch.members))
	for _, m := range ch.members {
		if member := ch.irc.nickByID(m.nick); member != nil {
			names = append(names, m.Prefix()+member.name)
		}
	}
	n.send(message.New(message.RplNamReply).From(ch.irc).To(n).AddArgs("=", ch.name, strings.Join(names, " ")))
	n.send(message.New(message.RplEndOfNames).From(ch.irc).To(n).AddArgs(ch.name, "End of /NAMES list"))
}

// SendModes answers a MODE query on the channel.
func (ch *Channel) SendModes(n *Nick) {
	n.send(message.New(message.RplChannelModeIs).From(ch.irc).To(n).AddArgs(ch.name, "+"))
	n.send(message.New(message.RplCreationTime).From(ch.irc).To(n).AddArgs(ch.name, strconv.FormatInt(ch.created.Unix(), 10)))
}

// SendBanList answers MODE +b with an empty list.
func (ch *Channel) SendBanList(n *Nick) {
	n.send(message.New(message.RplEndOfBanList).From(ch.irc).To(n).AddArgs(ch.name, "End of Channel Ban List"))
}

func (ch *Channel) memberNicks() []*Nick {
	result := make([]*Nick, 0, len(ch.members))
	for _, m := range ch.members {
		if n := ch.irc.nickByID(m.nick); n != nil {
			result = append(result, n)
		}
	}
	return result
}
