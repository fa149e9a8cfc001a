package irc

import (
	"strings"

	"github.com/dalnet/imgate/internal/im"
)

type outgoing struct {
	text   string
	action bool
}

// sendQueue paces messages to one conversation by the backend's send
// delay. Lines typed within one delay are coalesced, so a multi-line
// paste arrives as one IM message.
type sendQueue struct {
	irc     *IRC
	resolve func() (im.Conversation, error)
	pending []outgoing
	armed   bool
	stopped bool
}

func newSendQueue(irc *IRC, resolve func() (im.Conversation, error)) *sendQueue {
	return &sendQueue{irc: irc, resolve: resolve}
}

func (q *sendQueue) push(text string, action bool) {
	if q.stopped {
		return
	}
	delay := q.irc.backend.SendDelay()
	if delay <= 0 && !q.armed {
		q.deliver([]outgoing{{text: text, action: action}})
		return
	}
	q.pending = append(q.pending, outgoing{text: text, action: action})
	if !q.armed {
		q.armed = true
		q.irc.after(delay, q.flush)
	}
}

func (q *sendQueue) flush() {
	q.armed = false
	if q.stopped {
		return
	}
	batch := q.pending
	q.pending = nil
	q.deliver(batch)
}

// deliver sends batch in order, joining runs of plain lines.
func (q *sendQueue) deliver(batch []outgoing) {
	if len(batch) == 0 {
		return
	}
	conv, err := q.resolve()
	if err != nil {
		q.irc.log.Warn().Err(err).Msg("No conversation to send to")
		q.irc.notice("Unable to send message: " + err.Error())
		return
	}

	var lines []string
	send := func(text string, action bool) {
		if err := q.irc.sendToBackend(conv, text, action); err != nil {
			q.irc.log.Warn().Err(err).Str("conversation", conv.ID).Msg("Send failed")
			q.irc.notice("Unable to send message to " + conv.Name + ": " + err.Error())
		}
	}
	for _, o := range batch {
		if o.action {
			if len(lines) > 0 {
				send(strings.Join(lines, "\n"), false)
				lines = nil
			}
			send(o.text, true)
			continue
		}
		lines = append(lines, o.text)
	}
	if len(lines) > 0 {
		send(strings.Join(lines, "\n"), false)
	}
}

// stop drops pending messages. It is safe to call more than once.
func (q *sendQueue) stop() {
	q.stopped = true
	q.pending = nil
}
