package message

// Commands understood or emitted by the gateway.
const (
	CmdPass    = "PASS"
	CmdNick    = "NICK"
	CmdUser    = "USER"
	CmdPing    = "PING"
	CmdPong    = "PONG"
	CmdQuit    = "QUIT"
	CmdError   = "ERROR"
	CmdJoin    = "JOIN"
	CmdPart    = "PART"
	CmdPrivmsg = "PRIVMSG"
	CmdNotice  = "NOTICE"
	CmdMode    = "MODE"
	CmdTopic   = "TOPIC"
	CmdNames   = "NAMES"
	CmdWho     = "WHO"
	CmdWhois   = "WHOIS"
	CmdAway    = "AWAY"
	CmdMap     = "MAP"
	CmdLinks   = "LINKS"
	CmdMotd    = "MOTD"
	CmdVersion = "VERSION"
	CmdOper    = "OPER"
	CmdWallops = "WALLOPS"
	CmdRehash  = "REHASH"
	CmdDie     = "DIE"
)

// Numeric replies.
const (
	RplWelcome       = "001"
	RplYourHost      = "002"
	RplCreated       = "003"
	RplMyInfo        = "004"
	RplMap           = "015"
	RplMapEnd        = "017"
	RplUModeIs       = "221"
	RplAway          = "301"
	RplUnaway        = "305"
	RplNowAway       = "306"
	RplWhoisUser     = "311"
	RplWhoisServer   = "312"
	RplWhoisOperator = "313"
	RplEndOfWho      = "315"
	RplEndOfWhois    = "318"
	RplWhoisChannels = "319"
	RplChannelModeIs = "324"
	RplCreationTime  = "329"
	RplNoTopic       = "331"
	RplTopic         = "332"
	RplVersion       = "351"
	RplWhoReply      = "352"
	RplNamReply      = "353"
	RplLinks         = "364"
	RplEndOfLinks    = "365"
	RplEndOfNames    = "366"
	RplEndOfBanList  = "368"
	RplMotd          = "372"
	RplMotdStart     = "375"
	RplEndOfMotd     = "376"
	RplYoureOper     = "381"
	RplRehashing     = "382"

	ErrNoSuchNick        = "401"
	ErrNoSuchChannel     = "403"
	ErrCannotSendToChan  = "404"
	ErrUnknownCommand    = "421"
	ErrNoMotd            = "422"
	ErrNoNicknameGiven   = "431"
	ErrErroneusNickname  = "432"
	ErrNicknameInUse     = "433"
	ErrNotOnChannel      = "442"
	ErrNotRegistered     = "451"
	ErrNeedMoreParams    = "461"
	ErrAlreadyRegistered = "462"
	ErrPasswdMismatch    = "464"
	ErrNoPrivileges      = "481"
)
