// Package irc is a minimal IRC client for Bancho: registration, PING/PONG,
// PRIVMSG, JOIN and PART, and the numeric replies Bancho uses for login and
// join failures.
package irc

import (
	"errors"
	"fmt"
	"strings"

	ircv4 "gopkg.in/irc.v4"
)

// Commands and numerics used by Bancho.
const (
	CmdPass    = "PASS"
	CmdNick    = "NICK"
	CmdUser    = "USER"
	CmdPing    = "PING"
	CmdPong    = "PONG"
	CmdPrivmsg = "PRIVMSG"
	CmdJoin    = "JOIN"
	CmdPart    = "PART"
	CmdQuit    = "QUIT"
	CmdError   = "ERROR"

	RplWelcome         = "001"
	ErrNoSuchChannel   = "403"
	ErrChannelIsFull   = "471"
	ErrInviteOnlyChan  = "473"
	ErrBannedFromChan  = "474"
	ErrBadChannelKey   = "475"
	ErrPasswdMismatch  = "464"
	ErrErroneousNick   = "432"
	ErrNicknameInUse   = "433"
	ErrNotRegistered   = "451"
	ErrUnknownCommand  = "421"
	ErrNeedMoreParams  = "461"
	ErrAlreadyRegistrd = "462"
)

// errEmptyLine is returned by ParseMessage for blank input.
var errEmptyLine = errors.New("empty line")

// Message is one parsed protocol line.
type Message struct {
	// Prefix is the origin without the leading colon, e.g. "BanchoBot!cho@ppy.sh".
	Prefix  string
	Command string
	// Params holds middle parameters followed by the trailing one, if any.
	Params []string
}

// ParseMessage parses a raw line. IRCv3 tags are dropped.
//
// Postcondition: Returns an error iff the line has no command.
func ParseMessage(line string) (Message, error) {
	line = strings.TrimLeft(strings.TrimRight(line, "\r\n"), " ")
	if strings.TrimSpace(line) == "" {
		return Message{}, errEmptyLine
	}
	parsed, err := ircv4.ParseMessage(line)
	if err != nil {
		return Message{}, fmt.Errorf("parse %q: %w", line, err)
	}
	m := Message{Command: parsed.Command, Params: parsed.Params}
	if parsed.Prefix != nil {
		m.Prefix = parsed.Prefix.String()
	}
	return m, nil
}

// Nick returns the nickname part of the prefix.
func (m Message) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	return nick
}

// Param returns the i-th parameter, or "" if absent.
func (m Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Trailing returns the last parameter, or "" if there are none.
func (m Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// String formats m as a protocol line without CR LF. The last parameter is
// sent in trailing form when it is empty, contains a space or starts with a
// colon.
func (m Message) String() string {
	out := &ircv4.Message{Command: m.Command, Params: m.Params}
	if m.Prefix != "" {
		out.Prefix = ircv4.ParsePrefix(m.Prefix)
	}
	return out.String()
}

// NickFor returns the IRC nick Bancho assigns to an osu! username.
func NickFor(username string) string {
	return strings.ReplaceAll(username, " ", "_")
}

// IsChannel reports whether target names a channel rather than a user.
func IsChannel(target string) bool {
	return strings.HasPrefix(target, "#")
}
