// Package irc is the IRC side of a gateway session: the entity graph of
// servers, nicks and channels, the bridge between IM conversations and
// channels, buddy message routing, and the client connection loop.
//
// Everything in an IRC value is confined to the goroutine running the
// session. Work that completes elsewhere (timers, DCC transfers) re-enters
// through the Post function.
package irc

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalnet/imgate/internal/dcc"
	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/message"
	"github.com/dalnet/imgate/internal/metrics"
)

// Version information, set from the command line build.
var (
	Version   = "1.0.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// Settings is the per-session view of configuration.
type Settings struct {
	Hostname      string
	StatusChannel string
	PublicWindow  time.Duration
	MOTD          []string
	MOTDFile      string
	UsersDir      string
	DCCEnabled    bool
	DCC           dcc.Config
}

// Options wires an IRC context to its surroundings.
type Options struct {
	Settings Settings
	Backend  im.Backend
	Logger   zerolog.Logger

	// Write receives every message addressed to the local user, in order.
	Write func(*message.Message)
	// Post runs f on the session goroutine. Defaults to calling f directly.
	Post func(f func())
	// After runs f on the session goroutine once d has elapsed.
	After func(d time.Duration, f func())
	Now   func() time.Time
}

// IRC holds one session's entity graph.
type IRC struct {
	settings Settings
	backend  im.Backend
	log      zerolog.Logger
	write    func(*message.Message)
	post     func(func())
	after    func(time.Duration, func())
	now      func() time.Time

	nextID uint64

	nicks     map[NickID]*Nick
	nickIndex map[string]NickID

	channels  map[ChannelID]*Channel
	chanIndex map[string]ChannelID

	servers     map[string]*Server
	serverOrder []string
	local       *Server

	user     *Nick
	username string

	buddies       map[string]NickID    // buddy key
	unknown       map[string]NickID    // conversation id
	conversations map[string]ChannelID // conversation id
	accounts      map[string]im.Account

	transfers map[string]dcc.Transfer
	incoming  map[string]string // backend file id -> transfer id
}

// New builds the context with its local server and an unregistered user.
func New(opts Options) *IRC {
	irc := &IRC{
		settings:      opts.Settings,
		backend:       opts.Backend,
		log:           opts.Logger,
		write:         opts.Write,
		post:          opts.Post,
		after:         opts.After,
		now:           opts.Now,
		nicks:         make(map[NickID]*Nick),
		nickIndex:     make(map[string]NickID),
		channels:      make(map[ChannelID]*Channel),
		chanIndex:     make(map[string]ChannelID),
		servers:       make(map[string]*Server),
		buddies:       make(map[string]NickID),
		unknown:       make(map[string]NickID),
		conversations: make(map[string]ChannelID),
		accounts:      make(map[string]im.Account),
		transfers:     make(map[string]dcc.Transfer),
		incoming:      make(map[string]string),
	}
	if irc.write == nil {
		irc.write = func(*message.Message) {}
	}
	if irc.post == nil {
		irc.post = func(f func()) { f() }
	}
	if irc.now == nil {
		irc.now = time.Now
	}
	if irc.after == nil {
		irc.after = func(d time.Duration, f func()) {
			time.AfterFunc(d, func() { irc.post(f) })
		}
	}
	if irc.settings.PublicWindow <= 0 {
		irc.settings.PublicWindow = time.Hour
	}

	irc.local = newServer(irc.settings.Hostname, "IRC <-> IM gateway", nil)
	irc.addServer(irc.local)

	irc.user = &Nick{
		irc:         irc,
		kind:        KindUser,
		name:        "*",
		ident:       "*",
		host:        "*",
		server:      irc.local,
		memberships: make(map[ChannelID]*Membership),
	}
	return irc
}

// Register enters the user into the nick arena under nick.
func (irc *IRC) Register(nick, ident, host, realname, username string) error {
	if !ValidNick(nick) {
		return fmt.Errorf("nick %s: %w", nick, ErrInvalidNick)
	}
	u := irc.user
	u.name, u.ident, u.host, u.realname = nick, ident, host, realname
	if err := irc.addNick(u); err != nil {
		return err
	}
	irc.username = username
	return nil
}

// Registered reports whether Register succeeded.
func (irc *IRC) Registered() bool {
	return irc.nicks[irc.user.id] == irc.user
}

// Username is the account name the user logged in with.
func (irc *IRC) Username() string { return irc.username }

// SetUserNick renames the user and echoes the NICK line.
func (irc *IRC) SetUserNick(name string) error {
	if !ValidNick(name) {
		return fmt.Errorf("nick %s: %w", name, ErrInvalidNick)
	}
	if name == irc.user.name {
		return nil
	}
	msg := message.New(message.CmdNick).FromName(irc.user.LongName()).AddArg(name)
	if err := irc.renameNick(irc.user, name); err != nil {
		return err
	}
	irc.user.send(msg)
	return nil
}

// Name makes the context usable as a message sender: the local server.
func (irc *IRC) Name() string     { return irc.local.name }
func (irc *IRC) LongName() string { return irc.local.name }

// User returns the local user's nick.
func (irc *IRC) User() *Nick { return irc.user }

// Settings returns the current settings.
func (irc *IRC) Settings() Settings { return irc.settings }

// Rehash swaps in new settings. Entities keep their current state.
func (irc *IRC) Rehash(s Settings) {
	if s.PublicWindow <= 0 {
		s.PublicWindow = irc.settings.PublicWindow
	}
	irc.settings = s
}

func (irc *IRC) newID() uint64 {
	irc.nextID++
	return irc.nextID
}

// reply sends a numeric from the local server to the user.
func (irc *IRC) reply(numeric string, args ...string) {
	irc.user.send(message.New(numeric).From(irc).To(irc.user).AddArgs(args...))
}

// notice sends a server NOTICE to the user.
func (irc *IRC) notice(text string) {
	irc.user.send(message.New(message.CmdNotice).From(irc).To(irc.user).AddArg(text))
}

// Notice sends a NOTICE to the user with from as sender.
func (irc *IRC) Notice(from message.Entity, text string) {
	if from == nil {
		from = irc
	}
	irc.user.send(message.New(message.CmdNotice).From(from).To(irc.user).AddArg(text))
}

// GetNick looks up a nick by name, case-insensitively.
func (irc *IRC) GetNick(name string) *Nick {
	if id, ok := irc.nickIndex[Fold(name)]; ok {
		return irc.nicks[id]
	}
	return nil
}

// Nicks returns every registered nick, sorted by name.
func (irc *IRC) Nicks() []*Nick {
	result := make([]*Nick, 0, len(irc.nicks))
	for _, n := range irc.nicks {
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool { return Fold(result[i].name) < Fold(result[j].name) })
	return result
}

// UniqueNick appends '_' to base until no registered nick uses it,
// shortening base so the result never exceeds MaxNickLen.
func (irc *IRC) UniqueNick(base string) string {
	if base == "" {
		base = "_"
	}
	if len(base) > MaxNickLen {
		base = base[:MaxNickLen]
	}
	candidate := base
	for suffix := ""; irc.GetNick(candidate) != nil; {
		suffix += "_"
		if len(suffix) >= MaxNickLen {
			return fmt.Sprintf("_%d", irc.nextID+1)
		}
		stem := base
		if len(stem)+len(suffix) > MaxNickLen {
			stem = stem[:MaxNickLen-len(suffix)]
		}
		candidate = stem + suffix
	}
	return candidate
}

// addNick registers n. The caller must have made the name unique.
func (irc *IRC) addNick(n *Nick) error {
	key := Fold(n.name)
	if _, taken := irc.nickIndex[key]; taken {
		return fmt.Errorf("nick %s: %w", n.name, ErrNickInUse)
	}
	n.irc = irc
	if n.id == 0 {
		n.id = NickID(irc.newID())
	}
	if n.memberships == nil {
		n.memberships = make(map[ChannelID]*Membership)
	}
	irc.nicks[n.id] = n
	irc.nickIndex[key] = n.id
	if n.server != nil {
		n.server.nicks[n.id] = struct{}{}
	}
	return nil
}

// removeNick drops every membership of n and unregisters it. No message
// is sent.
func (irc *IRC) removeNick(n *Nick) {
	if n == nil || irc.nicks[n.id] != n {
		return
	}
	for _, chID := range n.channelIDs() {
		if ch := irc.channels[chID]; ch != nil {
			ch.delUser(n, nil)
		}
	}
	delete(irc.nicks, n.id)
	if irc.nickIndex[Fold(n.name)] == n.id {
		delete(irc.nickIndex, Fold(n.name))
	}
	if n.server != nil {
		delete(n.server.nicks, n.id)
	}
	if n.queue != nil {
		n.queue.stop()
	}
	if n.chat != nil {
		n.chat.Close()
		n.chat = nil
	}
	switch n.kind {
	case KindBuddy:
		if irc.buddies[n.buddy.Key()] == n.id {
			delete(irc.buddies, n.buddy.Key())
		}
	case KindUnknownBuddy:
		if n.conv != nil && irc.unknown[n.conv.ID] == n.id {
			delete(irc.unknown, n.conv.ID)
		}
	}
}

// renameNick re-keys n under name. The caller sends the NICK line.
func (irc *IRC) renameNick(n *Nick, name string) error {
	oldKey, newKey := Fold(n.name), Fold(name)
	if id, taken := irc.nickIndex[newKey]; taken && id != n.id {
		return fmt.Errorf("nick %s: %w", name, ErrNickInUse)
	}
	if irc.nickIndex[oldKey] == n.id {
		delete(irc.nickIndex, oldKey)
	}
	n.name = name
	irc.nickIndex[newKey] = n.id
	return nil
}

// quitNick removes n, sending one QUIT to the user when they shared a
// channel.
func (irc *IRC) quitNick(n *Nick, reason string) {
	shared := false
	for chID := range n.memberships {
		if _, ok := irc.user.memberships[chID]; ok {
			shared = true
			break
		}
	}
	if shared {
		irc.user.send(message.New(message.CmdQuit).FromName(n.LongName()).AddArg(reason))
	}
	irc.removeNick(n)
}

// GetChannel looks up a channel by name, case-insensitively.
func (irc *IRC) GetChannel(name string) *Channel {
	if id, ok := irc.chanIndex[Fold(name)]; ok {
		return irc.channels[id]
	}
	return nil
}

// Channels returns every channel, sorted by name.
func (irc *IRC) Channels() []*Channel {
	result := make([]*Channel, 0, len(irc.channels))
	for _, ch := range irc.channels {
		result = append(result, ch)
	}
	sort.Slice(result, func(i, j int) bool { return Fold(result[i].name) < Fold(result[j].name) })
	return result
}

// uniqueChannel appends '_' to name until it is free.
func (irc *IRC) uniqueChannel(name string) string {
	for irc.GetChannel(name) != nil {
		name += "_"
	}
	return name
}

func (irc *IRC) addChannel(ch *Channel) {
	ch.irc = irc
	ch.id = ChannelID(irc.newID())
	if ch.created.IsZero() {
		ch.created = irc.now()
	}
	irc.channels[ch.id] = ch
	irc.chanIndex[Fold(ch.name)] = ch.id
	if ch.kind == KindConversation {
		irc.conversations[ch.conv.ID] = ch.id
	}
}

// removeChannel destroys ch. Conversation channels first drop the chat
// buddies they created, then every remaining member is sent a PART.
func (irc *IRC) removeChannel(ch *Channel) {
	if ch == nil || irc.channels[ch.id] != ch {
		return
	}
	if ch.kind == KindConversation {
		ch.destroyParticipants()
		if irc.conversations[ch.conv.ID] == ch.id {
			delete(irc.conversations, ch.conv.ID)
		}
		if ch.queue != nil {
			ch.queue.stop()
		}
	}
	for _, m := range append([]*Membership(nil), ch.members...) {
		n := irc.nicks[m.nick]
		if n == nil {
			continue
		}
		n.send(message.New(message.CmdPart).From(n).To(ch))
		delete(n.memberships, ch.id)
	}
	ch.members = nil
	delete(irc.channels, ch.id)
	if irc.chanIndex[Fold(ch.name)] == ch.id {
		delete(irc.chanIndex, Fold(ch.name))
	}
}

// nickByID resolves an id, including the user.
func (irc *IRC) nickByID(id NickID) *Nick {
	if n, ok := irc.nicks[id]; ok {
		return n
	}
	return nil
}

func (irc *IRC) addServer(s *Server) {
	key := Fold(s.name)
	if _, ok := irc.servers[key]; !ok {
		irc.serverOrder = append(irc.serverOrder, key)
	}
	irc.servers[key] = s
}

func (irc *IRC) removeServer(s *Server) {
	key := Fold(s.name)
	delete(irc.servers, key)
	for i, k := range irc.serverOrder {
		if k == key {
			irc.serverOrder = append(irc.serverOrder[:i], irc.serverOrder[i+1:]...)
			break
		}
	}
}

// GetServer looks up a server by name.
func (irc *IRC) GetServer(name string) *Server {
	return irc.servers[Fold(name)]
}

// Servers returns the local server followed by remote servers in the
// order their accounts connected.
func (irc *IRC) Servers() []*Server {
	result := make([]*Server, 0, len(irc.serverOrder))
	for _, key := range irc.serverOrder {
		result = append(result, irc.servers[key])
	}
	return result
}

// accountServer returns the remote server of an account.
func (irc *IRC) accountServer(accountID string) *Server {
	acc, ok := irc.accounts[accountID]
	if !ok {
		return nil
	}
	return irc.GetServer(acc.ServerName())
}

// statusChannelName returns the status channel an account's buddies join.
func (irc *IRC) statusChannelName(acc im.Account) string {
	if acc.StatusChannel != "" {
		return acc.StatusChannel
	}
	return irc.settings.StatusChannel
}

// statusChannel returns the status channel of an account, if it exists.
func (irc *IRC) statusChannel(accountID string) *Channel {
	acc, ok := irc.accounts[accountID]
	if !ok {
		return nil
	}
	ch := irc.GetChannel(irc.statusChannelName(acc))
	if ch == nil || ch.kind != KindStatus {
		return nil
	}
	return ch
}

// ensureStatusChannel creates the named status channel if needed.
func (irc *IRC) ensureStatusChannel(name string) *Channel {
	if ch := irc.GetChannel(name); ch != nil {
		return ch
	}
	ch := &Channel{kind: KindStatus, name: name}
	irc.addChannel(ch)
	return ch
}

// sendToBackend hands text to the IM backend and counts it.
func (irc *IRC) sendToBackend(conv im.Conversation, text string, action bool) error {
	if err := irc.backend.SendMessage(conv, text, action); err != nil {
		return err
	}
	metrics.Messages.WithLabelValues(metrics.IRCToIM).Inc()
	return nil
}

// Close aborts DCC transfers and stops pending send queues.
func (irc *IRC) Close() {
	for id, t := range irc.transfers {
		irc.log.Debug().Str("dcc", string(t.Kind())).Str("peer", t.Peer()).Msg("Aborting DCC transfer")
		t.Close()
		delete(irc.transfers, id)
	}
	for _, ch := range irc.channels {
		if ch.queue != nil {
			ch.queue.stop()
		}
	}
	for _, n := range irc.nicks {
		if n.queue != nil {
			n.queue.stop()
		}
	}
}
