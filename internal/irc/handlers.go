package irc

// IM event handlers. Each runs on the session goroutine.
//
// Accounts:
//   - AccountConnected: remote server "<username>:<id>" plus its status channel
//   - AccountDisconnected: conversation channels, nicks and server are torn down
//
// Buddies:
//   - BuddyUpdated: online buddies join the status channel, voiced while available
//   - BuddyRemoved: the buddy quits
//
// Conversations:
//   - ConversationOpened/Closed: chat conversations get a channel
//   - Participant*: mirrored on the channel membership
//   - TopicChanged: broadcast on the channel
//   - MessageReceived: chat broadcast, buddy routing or unknown buddy
//   - FileReceived: DCC SEND to the user
//   - FileProgress: feeds a DCC SEND whose file is still arriving

import (
	"github.com/dalnet/imgate/internal/dcc"
	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/message"
	"github.com/dalnet/imgate/internal/metrics"
)

// HandleEvent applies one backend event to the entity graph.
func (irc *IRC) HandleEvent(ev im.Event) {
	switch e := ev.(type) {
	case im.AccountConnected:
		irc.onAccountConnected(e)
	case im.AccountDisconnected:
		irc.onAccountDisconnected(e)
	case im.BuddyUpdated:
		irc.onBuddyUpdated(e)
	case im.BuddyRemoved:
		irc.onBuddyRemoved(e)
	case im.ConversationOpened:
		irc.onConversationOpened(e)
	case im.ConversationClosed:
		irc.onConversationClosed(e)
	case im.ParticipantJoined:
		if ch := irc.openConversationChannel(e.Conversation); ch != nil {
			ch.AddParticipant(e.Participant)
		}
	case im.ParticipantLeft:
		if ch := irc.conversationChannel(e.Conversation.ID); ch != nil {
			ch.RemoveParticipant(e.Participant, e.Reason)
		}
	case im.ParticipantUpdated:
		if ch := irc.conversationChannel(e.Conversation.ID); ch != nil {
			ch.UpdateParticipant(e.Participant)
		}
	case im.ParticipantRenamed:
		if ch := irc.conversationChannel(e.Conversation.ID); ch != nil {
			ch.RenameParticipant(e.Old, e.New)
		}
	case im.TopicChanged:
		irc.onTopicChanged(e)
	case im.MessageReceived:
		irc.onMessageReceived(e)
	case im.FileReceived:
		irc.onFileReceived(e)
	case im.FileProgress:
		irc.onFileProgress(e)
	default:
		irc.log.Debug().Msgf("Ignoring event %T", ev)
	}
}

func (irc *IRC) onAccountConnected(e im.AccountConnected) {
	acc := e.Account
	irc.accounts[acc.ID] = acc

	if irc.GetServer(acc.ServerName()) == nil {
		irc.addServer(newServer(acc.ServerName(), acc.Protocol, &acc))
	}
	ch := irc.ensureStatusChannel(irc.statusChannelName(acc))
	if irc.Registered() && !irc.user.IsOn(ch) {
		ch.AddUser(irc.user, im.Op)
	}
	irc.log.Info().Str("account", acc.ServerName()).Str("protocol", acc.Protocol).Msg("Account connected")
}

func (irc *IRC) onAccountDisconnected(e im.AccountDisconnected) {
	acc := e.Account
	reason := e.Reason
	if reason == "" {
		reason = "Account disconnected"
	}

	for _, ch := range irc.Channels() {
		if ch.kind == KindConversation && ch.conv.Account == acc.ID {
			irc.removeChannel(ch)
		}
	}
	if s := irc.GetServer(acc.ServerName()); s != nil {
		for id := range s.nicks {
			if n := irc.nicks[id]; n != nil {
				irc.quitNick(n, reason)
			}
		}
		irc.removeServer(s)
	}
	delete(irc.accounts, acc.ID)

	irc.notice("Account " + acc.ServerName() + " disconnected: " + reason)
	irc.log.Info().Str("account", acc.ServerName()).Str("reason", reason).Msg("Account disconnected")
}

func (irc *IRC) buddyNick(account, name string) *Nick {
	key := im.Buddy{Account: account, Name: name}.Key()
	if id, ok := irc.buddies[key]; ok {
		return irc.nicks[id]
	}
	return nil
}

func (irc *IRC) onBuddyUpdated(e im.BuddyUpdated) {
	b := e.Buddy
	n := irc.buddyNick(b.Account, b.Name)

	if !b.Online {
		if n != nil {
			irc.quitNick(n, "Signed-Off")
		}
		return
	}

	status := irc.statusChannel(b.Account)
	var roles im.Role
	if b.Available {
		roles = im.Voice
	}

	if n == nil {
		n = irc.newBuddyNick(b)
		if err := irc.addNick(n); err != nil {
			irc.log.Warn().Err(err).Str("buddy", b.Name).Msg("Could not register buddy")
			return
		}
		irc.buddies[b.Key()] = n.id
		if status != nil {
			status.AddUser(n, roles)
		}
		return
	}

	n.buddy = b
	n.realname = b.RealName

	nick, _, _ := buddyIdentity(b.Name, b.Alias, b.Account)
	if Fold(nick) != Fold(n.name) {
		nick = irc.UniqueNick(nick)
		msg := message.New(message.CmdNick).FromName(n.LongName()).AddArg(nick)
		if err := irc.renameNick(n, nick); err == nil {
			irc.user.send(msg)
		}
	}

	if status == nil {
		return
	}
	m := n.Membership(status)
	if m == nil {
		status.AddUser(n, roles)
		return
	}
	if b.Available {
		status.SetMode(irc, im.Voice, m)
	} else {
		status.DelMode(irc, im.Voice, m)
	}
}

func (irc *IRC) onBuddyRemoved(e im.BuddyRemoved) {
	if n := irc.buddyNick(e.Buddy.Account, e.Buddy.Name); n != nil {
		irc.quitNick(n, "Removed from buddy list")
	}
}

func (irc *IRC) onConversationOpened(e im.ConversationOpened) {
	conv := e.Conversation
	if conv.Kind == im.KindChat {
		irc.openConversationChannel(conv)
		return
	}
	if n := irc.buddyNick(conv.Account, conv.Name); n != nil {
		n.conv = &conv
	}
}

func (irc *IRC) onConversationClosed(e im.ConversationClosed) {
	conv := e.Conversation
	if conv.Kind == im.KindChat {
		irc.removeChannel(irc.conversationChannel(conv.ID))
		return
	}
	if n := irc.buddyNick(conv.Account, conv.Name); n != nil && n.conv != nil && n.conv.ID == conv.ID {
		n.conv = nil
	}
	if id, ok := irc.unknown[conv.ID]; ok {
		irc.removeNick(irc.nicks[id])
	}
}

func (irc *IRC) onTopicChanged(e im.TopicChanged) {
	ch := irc.conversationChannel(e.Conversation.ID)
	if ch == nil {
		return
	}
	var from message.Entity = irc
	if n := ch.Participant(e.Who); n != nil {
		from = n
	} else if e.Who != "" && e.Who == irc.username {
		from = irc.user
	}
	ch.setTopic(from, e.Topic)
}

func (irc *IRC) onMessageReceived(e im.MessageReceived) {
	conv := e.Conversation

	if conv.Kind == im.KindChat {
		ch := irc.conversationChannel(conv.ID)
		if ch == nil {
			ch = irc.openConversationChannel(conv)
		}
		sender := ch.Participant(e.From)
		if sender == irc.user {
			return
		}
		metrics.Messages.WithLabelValues(metrics.IMToIRC).Inc()

		for _, text := range splitLines(e.Text) {
			if e.Action {
				text = message.Action(text)
			}
			msg := message.New(message.CmdPrivmsg).To(ch).AddArg(text)
			if sender != nil {
				msg.From(sender)
			} else {
				msg.FromName(Nickize(e.From))
			}
			ch.Broadcast(msg, nil)
		}
		return
	}

	if n := irc.buddyNick(conv.Account, conv.Name); n != nil {
		n.conv = &conv
		n.deliverFromBuddy(e.Text, e.Action)
		return
	}
	irc.unknownNick(conv).deliverPrivate(e.Text, e.Action)
}

// unknownNick returns the placeholder nick of a conversation, creating it.
func (irc *IRC) unknownNick(conv im.Conversation) *Nick {
	if id, ok := irc.unknown[conv.ID]; ok {
		if n := irc.nicks[id]; n != nil {
			return n
		}
	}
	n := irc.newUnknownNick(conv)
	if err := irc.addNick(n); err != nil {
		// UniqueNick made the name free; this only fails on a programming error
		irc.log.Error().Err(err).Str("conversation", conv.ID).Msg("Could not register unknown buddy")
	}
	irc.unknown[conv.ID] = n.id
	return n
}

func (irc *IRC) onFileReceived(e im.FileReceived) {
	var from message.Entity
	if n := irc.buddyNick(e.Account, e.Buddy); n != nil {
		from = n
	} else {
		from = irc.unknownNick(im.Conversation{ID: "im:" + e.Account + ":" + e.Buddy, Account: e.Account, Name: e.Buddy})
	}

	if !irc.settings.DCCEnabled {
		irc.Notice(from, "Sent you "+e.Name+", stored at "+e.Path+" (file transfers are disabled)")
		return
	}
	avail := e.Size
	if e.ID != "" {
		avail = e.Received
	}
	id, err := irc.SendFileToUser(from, e.Name, e.Path, e.Size, avail)
	if err != nil {
		irc.log.Warn().Err(err).Str("file", e.Name).Msg("DCC SEND failed")
		irc.Notice(from, "Unable to send you "+e.Name+": "+err.Error())
		return
	}
	if e.ID != "" {
		irc.incoming[e.ID] = id
	}
}

func (irc *IRC) onFileProgress(e im.FileProgress) {
	id, ok := irc.incoming[e.ID]
	if !ok {
		return
	}
	s, ok := irc.transfers[id].(*dcc.Send)
	if !ok {
		delete(irc.incoming, e.ID)
		return
	}
	s.Update(e.Received)
}
