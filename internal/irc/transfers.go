package irc

import (
	"errors"
	"fmt"

	"github.com/dalnet/imgate/internal/dcc"
	"github.com/dalnet/imgate/internal/message"
	"github.com/dalnet/imgate/internal/storage"
)

func (irc *IRC) dccConfig() dcc.Config {
	cfg := irc.settings.DCC
	cfg.Logger = irc.log
	return cfg
}

// finished returns the onDone callback of a transfer: it forgets the
// transfer on the session goroutine and reports failures.
func (irc *IRC) finished(from message.Entity, id *string, what string) func(error) {
	return func(err error) {
		irc.post(func() {
			delete(irc.transfers, *id)
			for file, tid := range irc.incoming {
				if tid == *id {
					delete(irc.incoming, file)
				}
			}
			if err != nil && !errors.Is(err, dcc.ErrAborted) {
				irc.Notice(from, fmt.Sprintf("DCC %s: %v", what, err))
			}
		})
	}
}

// receiveFile fetches a file the user offers to buddy and hands it to the
// backend once complete.
func (irc *IRC) receiveFile(from *Nick, account, buddy string, offer dcc.Offer) error {
	dir, err := storage.UploadDir(irc.settings.UsersDir, irc.username)
	if err != nil {
		return err
	}

	var id string
	onComplete := func(path string) {
		irc.post(func() {
			if err := irc.backend.SendFile(account, buddy, path); err != nil {
				irc.log.Warn().Err(err).Str("path", path).Msg("Backend refused file")
				irc.Notice(from, "Unable to send "+offer.Filename+": "+err.Error())
				return
			}
			irc.Notice(from, "File "+offer.Filename+" received, sending it to "+buddy)
		})
	}
	g, err := dcc.NewGet(irc.dccConfig(), from.name, offer, dir, onComplete, irc.finished(from, &id, "GET "+offer.Filename))
	if err != nil {
		return err
	}
	id = g.ID()
	irc.transfers[id] = g
	return nil
}

// SendFileToUser offers a file stored by the backend to the user, from
// the nick of the buddy that sent it. avail bytes of path are readable
// now. It returns the transfer id.
func (irc *IRC) SendFileToUser(from message.Entity, name, path string, size, avail int64) (string, error) {
	announce := func(offer string) {
		irc.user.send(message.New(message.CmdPrivmsg).From(from).To(irc.user).AddArg(offer))
	}

	var id string
	s, err := dcc.NewSend(irc.dccConfig(), irc.user.name, name, path, size, avail, announce, irc.finished(from, &id, "SEND "+name))
	if err != nil {
		return "", err
	}
	id = s.ID()
	irc.transfers[id] = s
	return id, nil
}

// OfferChat opens a DCC CHAT between the user and n. Lines typed in the
// chat go to n's conversation, and n's messages are relayed into it.
func (irc *IRC) OfferChat(n *Nick) {
	if !irc.settings.DCCEnabled {
		irc.Notice(n, "File transfers are disabled on this server")
		return
	}
	if n.chat != nil {
		n.chat.Close()
	}

	announce := func(offer string) {
		irc.user.send(message.New(message.CmdPrivmsg).From(n).To(irc.user).AddArg(offer))
	}
	onLine := func(line string) {
		irc.post(func() {
			if irc.nicks[n.id] == n {
				n.pushPrivate(line)
			}
		})
	}

	var (
		id   string
		chat *dcc.Chat
	)
	done := irc.finished(n, &id, "CHAT")
	onDone := func(err error) {
		irc.post(func() {
			if n.chat == chat {
				n.chat = nil
			}
		})
		done(err)
	}
	chat, err := dcc.NewChat(irc.dccConfig(), irc.user.name, announce, onLine, onDone)
	if err != nil {
		irc.log.Warn().Err(err).Str("nick", n.name).Msg("DCC CHAT failed")
		irc.Notice(n, "Unable to open DCC CHAT: "+err.Error())
		return
	}
	id = chat.ID()
	n.chat = chat
	irc.transfers[id] = chat
}
