package message

import "strings"

// CTCPDelim bounds a CTCP payload inside PRIVMSG or NOTICE text.
const CTCPDelim = '\x01'

// IsCTCP reports whether text is a delimited CTCP payload.
func IsCTCP(text string) bool {
	return len(text) >= 2 && text[0] == CTCPDelim && text[len(text)-1] == CTCPDelim
}

// CTCPUnpack splits a CTCP payload into its tag and data.
func CTCPUnpack(text string) (tag, data string) {
	if !IsCTCP(text) {
		return "", text
	}
	inner := text[1 : len(text)-1]
	tag, data, _ = strings.Cut(inner, " ")
	return tag, data
}

// CTCPPack wraps tag and data in CTCP delimiters.
func CTCPPack(tag, data string) string {
	if data == "" {
		return string(CTCPDelim) + tag + string(CTCPDelim)
	}
	return string(CTCPDelim) + tag + " " + data + string(CTCPDelim)
}

// Action builds a CTCP ACTION payload.
func Action(text string) string {
	return CTCPPack("ACTION", text)
}

// UnpackAction returns the action text and true when text is a CTCP ACTION.
func UnpackAction(text string) (string, bool) {
	tag, data := CTCPUnpack(text)
	if tag != "ACTION" {
		return text, false
	}
	return data, true
}
