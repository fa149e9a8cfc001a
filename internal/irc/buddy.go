package irc

import (
	"fmt"
	"strings"
	"time"

	"github.com/dalnet/imgate/internal/dcc"
	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/message"
	"github.com/dalnet/imgate/internal/metrics"
)

// RouteState says where a buddy's replies are delivered.
type RouteState uint8

const (
	// Private replies go to the user as direct PRIVMSG.
	Private RouteState = iota
	// Public replies go to the status channel, prefixed with the user's
	// nick, while the last public interaction is within the window.
	Public
)

func (s RouteState) String() string {
	if s == Public {
		return "public"
	}
	return "private"
}

type route struct {
	state RouteState
	last  time.Time
}

// Route returns the buddy's routing state and last interaction time.
func (n *Nick) Route() (RouteState, time.Time) {
	return n.route.state, n.route.last
}

// Buddy returns the IM contact of a buddy nick.
func (n *Nick) Buddy() im.Buddy { return n.buddy }

// sendBuddy routes a PRIVMSG from the user. A message to the buddy itself
// is private. A status channel message starting with "<nick>: " is public
// and loses that prefix. Anything else is not for this buddy.
func (n *Nick) sendBuddy(m *message.Message) {
	if m.Command() != message.CmdPrivmsg {
		return
	}
	text := m.Arg(0)
	ch, isChan := m.Receiver().(*Channel)

	switch {
	case m.Receiver() == n:
		n.route.state = Private
	case isChan && ch.kind == KindStatus && strings.HasPrefix(text, n.name+": "):
		n.route.state = Public
		text = strings.TrimPrefix(text, n.name+": ")
	default:
		return
	}
	n.route.last = n.irc.now()

	if n.irc.interceptDCC(n, n.buddy.Account, n.buddy.Name, text) {
		return
	}
	n.pushPrivate(text)
}

// sendChatBuddy opens a private conversation with a chat participant.
func (n *Nick) sendChatBuddy(m *message.Message) {
	if m.Command() != message.CmdPrivmsg || m.Receiver() != n {
		return
	}
	text := m.Arg(0)
	if n.irc.interceptDCC(n, n.participant.Account, n.participant.Name, text) {
		return
	}
	n.pushPrivate(text)
}

// sendUnknown writes to the conversation the nick was created for.
func (n *Nick) sendUnknown(m *message.Message) {
	if m.Command() != message.CmdPrivmsg || m.Receiver() != n {
		return
	}
	n.pushPrivate(m.Arg(0))
}

// pushPrivate queues text for the nick's private conversation. Other CTCP
// requests are not forwarded.
func (n *Nick) pushPrivate(text string) {
	if tag, _ := message.CTCPUnpack(text); tag == "CHAT" && n.kind != KindUnknownBuddy {
		n.irc.OfferChat(n)
		return
	}
	body, action := message.UnpackAction(text)
	if !action && message.IsCTCP(text) {
		n.irc.log.Debug().Str("nick", n.name).Msg("Dropping CTCP request")
		return
	}
	if n.queue == nil {
		n.queue = newSendQueue(n.irc, n.privateConversation)
	}
	n.queue.push(body, action)
}

// privateConversation returns, opening it if needed, the one-to-one
// conversation behind a nick.
func (n *Nick) privateConversation() (im.Conversation, error) {
	if n.conv != nil {
		return *n.conv, nil
	}
	var account, name string
	switch n.kind {
	case KindBuddy:
		account, name = n.buddy.Account, n.buddy.Name
	case KindChatBuddy:
		account, name = n.participant.Account, n.participant.Name
	default:
		return im.Conversation{}, fmt.Errorf("%s: %w", n.name, im.ErrUnknownConversation)
	}
	conv, err := n.irc.backend.OpenConversation(account, name)
	if err != nil {
		return im.Conversation{}, err
	}
	n.conv = &conv
	return conv, nil
}

// buddyAway is the buddy's status text while it is not available.
func (n *Nick) buddyAway() string {
	if n.buddy.Available {
		return ""
	}
	if n.buddy.Status != "" {
		return n.buddy.Status
	}
	return "Away"
}

// deliverFromBuddy shows an IM message from the buddy to the user. While
// the buddy is public and the window has not elapsed, the line goes to the
// status channel addressed to the user. Past the window the buddy reverts
// to private delivery.
func (n *Nick) deliverFromBuddy(text string, action bool) {
	metrics.Messages.WithLabelValues(metrics.IMToIRC).Inc()
	irc := n.irc
	user := irc.user

	if n.chat != nil && !action {
		n.chat.Write(text)
		return
	}

	if n.route.state == Public && irc.now().Sub(n.route.last) > irc.settings.PublicWindow {
		n.route.state = Private
	}

	var to message.Entity = user
	prefix := ""
	if n.route.state == Public {
		if ch := irc.statusChannel(n.buddy.Account); ch != nil {
			to = ch
			prefix = user.name + ": "
		}
	}
	for _, line := range splitLines(text) {
		line = prefix + line
		if action {
			line = message.Action(line)
		}
		user.send(message.New(message.CmdPrivmsg).From(n).To(to).AddArg(line))
	}
}

// deliverPrivate shows an IM message from a non-buddy nick to the user.
func (n *Nick) deliverPrivate(text string, action bool) {
	metrics.Messages.WithLabelValues(metrics.IMToIRC).Inc()
	for _, line := range splitLines(text) {
		if action {
			line = message.Action(line)
		}
		n.irc.user.send(message.New(message.CmdPrivmsg).From(n).To(n.irc.user).AddArg(line))
	}
}

// splitLines cuts IM text into the lines an IRC message can carry. Blank
// lines are dropped.
func splitLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.ReplaceAll(line, "\x00", "")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// interceptDCC starts a DCC GET when text is a DCC SEND offer from the
// user, and reports whether it was one.
func (irc *IRC) interceptDCC(n *Nick, account, buddy, text string) bool {
	offer, err := dcc.ParseSend(text)
	if err != nil {
		return false
	}
	if !irc.settings.DCCEnabled {
		irc.Notice(n, "File transfers are disabled on this server")
		return true
	}
	if err := irc.receiveFile(n, account, buddy, offer); err != nil {
		irc.log.Warn().Err(err).Str("nick", n.name).Msg("DCC GET failed")
		irc.Notice(n, "Unable to receive "+offer.Filename+": "+err.Error())
	}
	return true
}
