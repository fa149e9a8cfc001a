package irc

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircfmt"

	"github.com/dalnet/imgate/internal/auth"
	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/message"
	"github.com/dalnet/imgate/internal/poll"
	"github.com/dalnet/imgate/internal/storage"
)

type command struct {
	handler    func(c *Client, m *message.Message)
	minArgs    int
	unregOK    bool
	operOnly   bool
	needsLogin bool
}

var commands map[string]command

func init() {
	commands = map[string]command{
		message.CmdPass:    {handler: (*Client).cmdPass, minArgs: 1, unregOK: true},
		message.CmdNick:    {handler: (*Client).cmdNick, unregOK: true},
		message.CmdUser:    {handler: (*Client).cmdUser, minArgs: 4, unregOK: true},
		message.CmdPing:    {handler: (*Client).cmdPing, minArgs: 1, unregOK: true},
		message.CmdPong:    {handler: (*Client).cmdPong, unregOK: true},
		message.CmdQuit:    {handler: (*Client).cmdQuit, unregOK: true},
		message.CmdJoin:    {handler: (*Client).cmdJoin, minArgs: 1},
		message.CmdPart:    {handler: (*Client).cmdPart, minArgs: 1},
		message.CmdPrivmsg: {handler: (*Client).cmdPrivmsg, minArgs: 2},
		message.CmdNotice:  {handler: (*Client).cmdPrivmsg, minArgs: 2},
		message.CmdMode:    {handler: (*Client).cmdMode, minArgs: 1},
		message.CmdTopic:   {handler: (*Client).cmdTopic, minArgs: 1},
		message.CmdNames:   {handler: (*Client).cmdNames},
		message.CmdWho:     {handler: (*Client).cmdWho},
		message.CmdWhois:   {handler: (*Client).cmdWhois, minArgs: 1},
		message.CmdAway:    {handler: (*Client).cmdAway},
		message.CmdMap:     {handler: (*Client).cmdMap},
		message.CmdLinks:   {handler: (*Client).cmdLinks},
		message.CmdMotd:    {handler: (*Client).cmdMotd},
		message.CmdVersion: {handler: (*Client).cmdVersion},
		message.CmdOper:    {handler: (*Client).cmdOper, minArgs: 2},
		message.CmdWallops: {handler: (*Client).cmdWallops, minArgs: 1, operOnly: true},
		message.CmdRehash:  {handler: (*Client).cmdRehash, operOnly: true},
		message.CmdDie:     {handler: (*Client).cmdDie, operOnly: true},
	}
}

// handleLine parses and dispatches one line from the user.
func (c *Client) handleLine(line string) {
	m := message.Parse(line)
	if m.Command() == "" {
		return
	}
	registered := c.irc.Registered()

	cmd, ok := commands[m.Command()]
	if !ok {
		if registered {
			c.irc.reply(message.ErrUnknownCommand, m.Command(), "Unknown command")
		}
		return
	}
	if !registered && !cmd.unregOK {
		c.irc.reply(message.ErrNotRegistered, "You have not registered")
		return
	}
	if m.CountArgs() < cmd.minArgs {
		c.irc.reply(message.ErrNeedMoreParams, m.Command(), "Not enough parameters")
		return
	}
	if cmd.operOnly && !c.irc.user.oper {
		c.irc.reply(message.ErrNoPrivileges, "Permission Denied- You're not an IRC operator")
		return
	}
	cmd.handler(c, m)
}

func (c *Client) cmdPass(m *message.Message) {
	if c.irc.Registered() {
		c.irc.reply(message.ErrAlreadyRegistered, "You may not reregister")
		return
	}
	c.pass = m.Arg(0)
}

func (c *Client) cmdNick(m *message.Message) {
	if m.CountArgs() < 1 || m.Arg(0) == "" {
		c.irc.reply(message.ErrNoNicknameGiven, "No nickname given")
		return
	}
	nick := m.Arg(0)
	if !c.irc.Registered() {
		if !ValidNick(nick) {
			c.irc.reply(message.ErrErroneusNickname, nick, "Erroneous nickname")
			return
		}
		c.nick = nick
		c.tryRegister()
		return
	}

	err := c.irc.SetUserNick(nick)
	switch {
	case errors.Is(err, ErrInvalidNick):
		c.irc.reply(message.ErrErroneusNickname, nick, "Erroneous nickname")
	case errors.Is(err, ErrNickInUse):
		c.irc.reply(message.ErrNicknameInUse, nick, "Nickname is already in use")
	}
}

func (c *Client) cmdUser(m *message.Message) {
	if c.irc.Registered() {
		c.irc.reply(message.ErrAlreadyRegistered, "You may not reregister")
		return
	}
	c.username = m.Arg(0)
	c.realname = m.Arg(3)
	c.userSeen = true
	c.tryRegister()
}

// tryRegister logs the user in once NICK and USER are both known. The
// username falls back to the nick.
func (c *Client) tryRegister() {
	if c.nick == "" || !c.userSeen {
		return
	}
	if c.username == "" {
		c.username = c.nick
	}
	if c.pass == "" {
		c.Quit("Please set a password")
		return
	}

	created, err := c.accounts.Authenticate(c.username, c.pass)
	switch {
	case errors.Is(err, auth.ErrNoPassword):
		c.Quit("Please set a password")
		return
	case errors.Is(err, auth.ErrBadPassword), errors.Is(err, auth.ErrUnknownUser):
		c.log.Info().Str("user", c.username).Msg("Login refused")
		c.irc.reply(message.ErrPasswdMismatch, "Password incorrect")
		c.Quit("Invalid password")
		return
	case errors.Is(err, auth.ErrWeakPassword):
		c.irc.reply(message.ErrPasswdMismatch, err.Error())
		c.Quit("Invalid password")
		return
	case err != nil:
		c.log.Error().Err(err).Str("user", c.username).Msg("Authentication failed")
		c.Quit("Internal error")
		return
	}

	host := c.remote
	if h, _, err := net.SplitHostPort(c.remote); err == nil {
		host = h
	}
	if err := c.irc.Register(c.nick, c.username, host, c.realname, c.username); err != nil {
		c.irc.reply(message.ErrErroneusNickname, c.nick, "Erroneous nickname")
		c.Quit("Invalid nickname")
		return
	}
	c.log = c.log.With().Str("user", c.username).Logger()
	c.log.Info().Bool("created", created).Msg("User logged in")

	c.welcome()
	if created {
		c.irc.notice("Account " + c.username + " created")
	}

	if err := c.ep.Send(c.ctx, poll.Control{Kind: poll.User, Args: []string{c.username}}); err != nil {
		c.log.Warn().Err(err).Msg("Could not announce login")
	}

	status := c.irc.ensureStatusChannel(c.cfg.StatusChannel)
	status.AddUser(c.irc.user, im.Op)

	if err := c.backend.Login(c.ctx, c.username); err != nil {
		c.log.Error().Err(err).Msg("Backend login failed")
		c.irc.notice("Unable to connect your IM accounts: " + err.Error())
		return
	}
	c.events = c.backend.Events()
}

func (c *Client) welcome() {
	nick := c.irc.user.name
	host := c.cfg.Hostname
	c.irc.reply(message.RplWelcome, "Welcome to the "+host+" IRC <-> IM gateway, "+c.irc.user.LongName())
	c.irc.reply(message.RplYourHost, "Your host is "+host+", running imgate-"+Version)
	c.irc.reply(message.RplCreated, "This server was created "+BuildDate)
	c.irc.reply(message.RplMyInfo, host, "imgate-"+Version, "aoiw", "qohvbt")
	c.sendMOTD()
	c.log.Debug().Str("nick", nick).Msg("Welcome sent")
}

func (c *Client) sendMOTD() {
	motd := c.irc.settings.MOTD
	if len(motd) == 0 {
		c.irc.reply(message.ErrNoMotd, "MOTD File is missing")
		return
	}
	c.irc.reply(message.RplMotdStart, "- "+c.cfg.Hostname+" Message of the Day -")
	for _, line := range motd {
		c.irc.reply(message.RplMotd, "- "+line)
	}
	c.irc.reply(message.RplEndOfMotd, "End of /MOTD command.")
}

func (c *Client) cmdPing(m *message.Message) {
	c.write(message.New(message.CmdPong).From(c.irc).AddArgs(c.cfg.Hostname, m.Arg(0)))
}

func (c *Client) cmdPong(*message.Message) {
	c.lastPong = time.Now()
}

func (c *Client) cmdQuit(m *message.Message) {
	reason := m.Arg(0)
	if reason == "" {
		reason = "Leaving"
	}
	c.Quit("Quit: " + reason)
}

// cmdJoin joins status channels directly. Other channels are chat rooms
// named "#room:account"; the account may be left out when only one is
// connected.
func (c *Client) cmdJoin(m *message.Message) {
	for _, name := range strings.Split(m.Arg(0), ",") {
		if name == "" {
			continue
		}
		if ch := c.irc.GetChannel(name); ch != nil {
			if c.irc.user.IsOn(ch) {
				continue
			}
			if ch.kind == KindStatus {
				ch.AddUser(c.irc.user, im.Op)
				continue
			}
			if err := c.backend.JoinChat(ch.conv.Account, ch.conv.Name); err != nil {
				c.irc.reply(message.ErrNoSuchChannel, name, err.Error())
			}
			continue
		}
		if !strings.HasPrefix(name, "#") {
			c.irc.reply(message.ErrNoSuchChannel, name, "No such channel")
			continue
		}

		room, account, _ := strings.Cut(name[1:], ":")
		if account == "" {
			if len(c.irc.accounts) != 1 {
				c.irc.reply(message.ErrNoSuchChannel, name, "No such channel")
				continue
			}
			for id := range c.irc.accounts {
				account = id
			}
		}
		if _, ok := c.irc.accounts[account]; !ok || room == "" {
			c.irc.reply(message.ErrNoSuchChannel, name, "No such channel")
			continue
		}
		if err := c.backend.JoinChat(account, room); err != nil {
			c.irc.reply(message.ErrNoSuchChannel, name, err.Error())
		}
	}
}

func (c *Client) cmdPart(m *message.Message) {
	reason := m.Arg(1)
	for _, name := range strings.Split(m.Arg(0), ",") {
		ch := c.irc.GetChannel(name)
		if ch == nil {
			c.irc.reply(message.ErrNoSuchChannel, name, "No such channel")
			continue
		}
		if !c.irc.user.IsOn(ch) {
			c.irc.reply(message.ErrNotOnChannel, name, "You're not on that channel")
			continue
		}
		ch.Part(c.irc.user, reason)
	}
}

// cmdPrivmsg also serves NOTICE. Buddies ignore notices and no error
// numerics are sent for them.
func (c *Client) cmdPrivmsg(m *message.Message) {
	isNotice := m.Command() == message.CmdNotice
	text := ircfmt.Strip(m.Arg(1))
	if text == "" {
		return
	}

	for _, target := range strings.Split(m.Arg(0), ",") {
		if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&") {
			ch := c.irc.GetChannel(target)
			switch {
			case ch == nil:
				if !isNotice {
					c.irc.reply(message.ErrNoSuchChannel, target, "No such channel")
				}
			case !c.irc.user.IsOn(ch):
				if !isNotice {
					c.irc.reply(message.ErrCannotSendToChan, target, "Cannot send to channel")
				}
			default:
				ch.Broadcast(message.New(m.Command()).From(c.irc.user).To(ch).AddArg(text), c.irc.user)
			}
			continue
		}

		n := c.irc.GetNick(target)
		if n == nil {
			if !isNotice {
				c.irc.reply(message.ErrNoSuchNick, target, "No such nick/channel")
			}
			continue
		}
		n.send(message.New(m.Command()).From(c.irc.user).To(n).AddArg(text))
		if away := n.Away(); away != "" && !isNotice && n != c.irc.user {
			c.irc.reply(message.RplAway, n.name, away)
		}
	}
}

func (c *Client) cmdMode(m *message.Message) {
	target := m.Arg(0)
	if ch := c.irc.GetChannel(target); ch != nil {
		switch {
		case m.CountArgs() == 1:
			ch.SendModes(c.irc.user)
		case strings.Contains(m.Arg(1), "b"):
			ch.SendBanList(c.irc.user)
		}
		return
	}
	n := c.irc.GetNick(target)
	if n == nil {
		c.irc.reply(message.ErrNoSuchNick, target, "No such nick/channel")
		return
	}
	if n == c.irc.user {
		modes := "+"
		if n.oper {
			modes += "o"
		}
		c.irc.reply(message.RplUModeIs, modes)
	}
}

func (c *Client) cmdTopic(m *message.Message) {
	ch := c.irc.GetChannel(m.Arg(0))
	if ch == nil {
		c.irc.reply(message.ErrNoSuchChannel, m.Arg(0), "No such channel")
		return
	}
	if m.CountArgs() == 1 {
		if topic := ch.Topic(); topic != "" {
			c.irc.reply(message.RplTopic, ch.name, topic)
		} else {
			c.irc.reply(message.RplNoTopic, ch.name, "No topic is set")
		}
		return
	}
	if !c.irc.user.IsOn(ch) {
		c.irc.reply(message.ErrNotOnChannel, ch.name, "You're not on that channel")
		return
	}
	if err := ch.SetTopic(c.irc.user, m.Arg(1)); err != nil {
		c.irc.notice("Unable to set topic: " + err.Error())
	}
}

func (c *Client) cmdNames(m *message.Message) {
	if m.CountArgs() == 0 {
		for _, ch := range c.irc.user.Channels() {
			ch.SendNames(c.irc.user)
		}
		return
	}
	for _, name := range strings.Split(m.Arg(0), ",") {
		if ch := c.irc.GetChannel(name); ch != nil {
			ch.SendNames(c.irc.user)
		} else {
			c.irc.reply(message.RplEndOfNames, name, "End of /NAMES list")
		}
	}
}

func (c *Client) whoReply(channel string, n *Nick, prefix string) {
	flags := "H"
	if n.Away() != "" {
		flags = "G"
	}
	if n.oper {
		flags += "*"
	}
	server := c.cfg.Hostname
	if n.server != nil {
		server = n.server.name
	}
	c.irc.reply(message.RplWhoReply, channel, n.ident, n.host, server, n.name, flags+prefix, "0 "+n.realname)
}

func (c *Client) cmdWho(m *message.Message) {
	target := m.Arg(0)
	switch {
	case target == "":
		for _, n := range c.irc.Nicks() {
			c.whoReply("*", n, "")
		}
		target = "*"
	case c.irc.GetChannel(target) != nil:
		ch := c.irc.GetChannel(target)
		for _, mb := range ch.Members() {
			if n := c.irc.nickByID(mb.nick); n != nil {
				c.whoReply(ch.name, n, mb.Prefix())
			}
		}
	default:
		if n := c.irc.GetNick(target); n != nil {
			c.whoReply("*", n, "")
		}
	}
	c.irc.reply(message.RplEndOfWho, target, "End of /WHO list")
}

func (c *Client) cmdWhois(m *message.Message) {
	target := m.Arg(m.CountArgs() - 1)
	n := c.irc.GetNick(target)
	if n == nil {
		c.irc.reply(message.ErrNoSuchNick, target, "No such nick/channel")
		c.irc.reply(message.RplEndOfWhois, target, "End of /WHOIS list")
		return
	}

	c.irc.reply(message.RplWhoisUser, n.name, n.ident, n.host, "*", n.realname)
	if chans := n.Channels(); len(chans) > 0 {
		names := make([]string, 0, len(chans))
		for _, ch := range chans {
			names = append(names, n.Membership(ch).Prefix()+ch.name)
		}
		c.irc.reply(message.RplWhoisChannels, n.name, strings.Join(names, " "))
	}
	if n.server != nil {
		c.irc.reply(message.RplWhoisServer, n.name, n.server.name, n.server.info)
	}
	if n.oper {
		c.irc.reply(message.RplWhoisOperator, n.name, "is an IRC Operator")
	}
	if away := n.Away(); away != "" {
		c.irc.reply(message.RplAway, n.name, away)
	}
	c.irc.reply(message.RplEndOfWhois, n.name, "End of /WHOIS list")
}

func (c *Client) cmdAway(m *message.Message) {
	text := m.Arg(0)
	if err := c.backend.SetAway(text); err != nil {
		c.log.Warn().Err(err).Msg("Could not set away status")
	}
	c.irc.user.away = text
	if text == "" {
		c.irc.reply(message.RplUnaway, "You are no longer marked as being away")
		return
	}
	c.irc.reply(message.RplNowAway, "You have been marked as being away")
}

func (c *Client) cmdMap(*message.Message) {
	for _, line := range c.irc.LinkTree().Build() {
		c.irc.reply(message.RplMap, line)
	}
	c.irc.reply(message.RplMapEnd, "End of /MAP")
}

func (c *Client) cmdLinks(*message.Message) {
	for _, e := range c.irc.LinkTree().Entries() {
		hub := e.Hub
		if hub == "" {
			hub = e.Server
		}
		c.irc.reply(message.RplLinks, e.Server, hub, fmt.Sprintf("%d %s", e.Hops, e.Description))
	}
	c.irc.reply(message.RplEndOfLinks, "*", "End of /LINKS list")
}

func (c *Client) cmdMotd(*message.Message) {
	c.sendMOTD()
}

func (c *Client) cmdVersion(*message.Message) {
	c.irc.reply(message.RplVersion, "imgate-"+Version+".", c.cfg.Hostname, "built "+BuildDate+" ("+GitCommit+")")
}

// cmdOper checks the password against the configured bcrypt hash and
// records every attempt in the oper log.
func (c *Client) cmdOper(m *message.Message) {
	name, password := m.Arg(0), m.Arg(1)
	timestamp := time.Now().UTC().Format("Mon Jan 02, 2006 at 15:04:05 GMT")

	hash, ok := c.cfg.Opers[strings.ToLower(name)]
	if !ok || auth.ComparePassword(hash, password) != nil {
		c.irc.reply(message.ErrPasswdMismatch, "Password incorrect")
		c.operLog(fmt.Sprintf("[%s] %s failed OPER as %s", timestamp, c.irc.user.LongName(), name))
		return
	}

	c.irc.user.oper = true
	c.irc.reply(message.RplYoureOper, "You are now an IRC operator")
	c.irc.user.send(message.New(message.CmdMode).From(c.irc.user).To(c.irc.user).AddArg("+o"))
	c.operLog(fmt.Sprintf("[%s] %s is now an IRC operator as %s", timestamp, c.irc.user.LongName(), name))
	c.log.Info().Str("oper", name).Msg("User became an IRC operator")

	if err := c.ep.Send(c.ctx, poll.Control{Kind: poll.Oper, Args: []string{c.irc.user.name}}); err != nil {
		c.log.Warn().Err(err).Msg("Could not announce oper")
	}
}

func (c *Client) operLog(entry string) {
	if c.cfg.DataDir == "" {
		return
	}
	if err := storage.AddOperLog(c.cfg.DataDir, entry); err != nil {
		c.log.Warn().Err(err).Msg("Could not write oper log")
	}
}

func (c *Client) cmdWallops(m *message.Message) {
	c.control(poll.Control{Kind: poll.Wallops, Args: []string{c.irc.user.name, m.Arg(0)}})
}

func (c *Client) cmdRehash(*message.Message) {
	c.control(poll.Control{Kind: poll.Rehash})
}

func (c *Client) cmdDie(m *message.Message) {
	reason := m.Arg(0)
	if reason == "" {
		reason = "No reason"
	}
	c.operLog(fmt.Sprintf("[%s] %s DIE: %s", time.Now().UTC().Format("Mon Jan 02, 2006 at 15:04:05 GMT"), c.irc.user.LongName(), reason))
	c.control(poll.Control{Kind: poll.Die, Args: []string{c.irc.user.name, reason}})
}

func (c *Client) control(ctl poll.Control) {
	if err := c.ep.Send(c.ctx, ctl); err != nil {
		c.log.Warn().Err(err).Str("kind", ctl.Kind.String()).Msg("Control message failed")
		c.irc.notice("Unable to relay " + ctl.Kind.String() + ": " + err.Error())
	}
}
