package irc

import (
	"strings"

	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/message"
)

// conversationChannelName is "#<room>:<account>", with characters IRC
// forbids in channel names replaced.
func conversationChannelName(conv im.Conversation) string {
	room := strings.TrimLeft(conv.Name, "#&")
	room = strings.Map(func(r rune) rune {
		switch r {
		case ' ', ',', '\x07', ':':
			return '_'
		}
		return r
	}, room)
	if room == "" {
		room = "chat"
	}
	return "#" + room + ":" + conv.Account
}

// conversationChannel returns the channel bound to conv, or nil.
func (irc *IRC) conversationChannel(convID string) *Channel {
	if id, ok := irc.conversations[convID]; ok {
		return irc.channels[id]
	}
	return nil
}

// openConversationChannel binds a new channel to a chat conversation.
func (irc *IRC) openConversationChannel(conv im.Conversation) *Channel {
	if ch := irc.conversationChannel(conv.ID); ch != nil {
		ch.conv = conv
		return ch
	}
	ch := &Channel{
		kind:         KindConversation,
		name:         irc.uniqueChannel(conversationChannelName(conv)),
		conv:         conv,
		topic:        conv.Topic,
		participants: make(map[string]*Membership),
	}
	ch.queue = newSendQueue(irc, func() (im.Conversation, error) { return ch.conv, nil })
	irc.addChannel(ch)
	return ch
}

// AddParticipant joins a chat participant with its roles. The local user
// joins through its own nick; anyone else gets a chat buddy nick made
// unique server-wide.
func (ch *Channel) AddParticipant(cb im.ChatBuddy) *Membership {
	if m, ok := ch.participants[cb.Name]; ok {
		return m
	}

	var m *Membership
	if cb.Me {
		m = ch.AddUser(ch.irc.user, cb.Roles)
	} else {
		n := ch.irc.newChatBuddyNick(cb)
		if err := ch.irc.addNick(n); err != nil {
			ch.irc.log.Warn().Err(err).Str("channel", ch.name).Msg("Could not register chat buddy")
			return nil
		}
		m = ch.AddUser(n, cb.Roles)
	}
	ch.participants[cb.Name] = m
	return m
}

// Participant returns the nick of a participant, or nil.
func (ch *Channel) Participant(name string) *Nick {
	if m, ok := ch.participants[name]; ok {
		return ch.irc.nickByID(m.nick)
	}
	return nil
}

// UpdateParticipant applies the participant's latest roles: newly set
// bits in one MODE +, then cleared bits in one MODE -.
func (ch *Channel) UpdateParticipant(cb im.ChatBuddy) {
	m, ok := ch.participants[cb.Name]
	if !ok {
		ch.AddParticipant(cb)
		return
	}
	if n := ch.irc.nickByID(m.nick); n != nil && n.kind == KindChatBuddy {
		n.participant = cb
	}

	add := cb.Roles &^ m.roles
	del := m.roles &^ cb.Roles
	ch.SetMode(ch.irc, add, m)
	ch.DelMode(ch.irc, del, m)
}

// RenameParticipant moves a participant to its new identity and tells
// the user about the nick change.
func (ch *Channel) RenameParticipant(old, cb im.ChatBuddy) {
	m, ok := ch.participants[old.Name]
	if !ok {
		return
	}
	delete(ch.participants, old.Name)
	ch.participants[cb.Name] = m

	n := ch.irc.nickByID(m.nick)
	if n == nil || n.kind != KindChatBuddy {
		return
	}
	n.participant = cb

	name := chatBuddyNick(cb.Name)
	if Fold(name) != Fold(n.name) {
		name = ch.irc.UniqueNick(name)
	}
	if name == n.name {
		return
	}
	nick := message.New(message.CmdNick).FromName(n.LongName()).AddArg(name)
	if err := ch.irc.renameNick(n, name); err != nil {
		ch.irc.log.Warn().Err(err).Str("channel", ch.name).Msg("Could not rename chat buddy")
		return
	}
	ch.irc.user.send(nick)
}

// RemoveParticipant parts a participant with reason.
func (ch *Channel) RemoveParticipant(cb im.ChatBuddy, reason string) {
	m, ok := ch.participants[cb.Name]
	if !ok {
		return
	}
	n := ch.irc.nickByID(m.nick)
	if n == nil {
		delete(ch.participants, cb.Name)
		return
	}
	if n == ch.irc.user {
		// removed from the room on the IM side
		delete(ch.participants, cb.Name)
		msg := message.New(message.CmdPart).FromName(n.LongName()).To(ch)
		if reason != "" {
			msg.AddArg(reason)
		}
		n.send(msg)
		ch.removeMember(n, msg)
		return
	}
	msg := message.New(message.CmdPart).FromName(n.LongName()).To(ch)
	if reason != "" {
		msg.AddArg(reason)
	}
	ch.delUser(n, msg)
}

// delParticipantUser removes n from a conversation channel. A chat buddy
// does not outlive its membership. The user leaving closes the
// conversation on the IM side.
func (ch *Channel) delParticipantUser(n *Nick, msg *message.Message) {
	for name, m := range ch.participants {
		if m.nick == n.id {
			delete(ch.participants, name)
			break
		}
	}
	ch.removeMember(n, msg)

	switch {
	case n.kind == KindChatBuddy:
		ch.irc.removeNick(n)
	case n == ch.irc.user:
		if err := ch.irc.backend.Leave(ch.conv); err != nil {
			ch.irc.log.Warn().Err(err).Str("channel", ch.name).Msg("Could not leave conversation")
		}
	}
}

// destroyParticipants drops every chat buddy the channel created.
func (ch *Channel) destroyParticipants() {
	for name, m := range ch.participants {
		delete(ch.participants, name)
		n := ch.irc.nickByID(m.nick)
		if n == nil || n.kind != KindChatBuddy {
			continue
		}
		ch.removeMember(n, nil)
		ch.irc.removeNick(n)
	}
}
