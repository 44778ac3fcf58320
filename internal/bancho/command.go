package bancho

import (
	"fmt"
	"strings"
)

// MatchMode selects how a SuccessPattern compares an inbound line.
type MatchMode int

const (
	// MatchExact requires full equality.
	MatchExact MatchMode = iota
	// MatchPrefix requires the line to start with the pattern.
	MatchPrefix
	// MatchContains requires the line to contain the pattern.
	MatchContains
)

// SuccessPattern recognises a command's successful outcome in chat.
type SuccessPattern struct {
	Text string
	Mode MatchMode
}

// Matches reports whether line satisfies the pattern.
func (p SuccessPattern) Matches(line string) bool {
	switch p.Mode {
	case MatchExact:
		return line == p.Text
	case MatchPrefix:
		return strings.HasPrefix(line, p.Text)
	case MatchContains:
		return strings.Contains(line, p.Text)
	default:
		return false
	}
}

// Exact, Prefix and Contains build SuccessPatterns.
func Exact(text string) SuccessPattern    { return SuccessPattern{Text: text, Mode: MatchExact} }
func Prefix(text string) SuccessPattern   { return SuccessPattern{Text: text, Mode: MatchPrefix} }
func Contains(text string) SuccessPattern { return SuccessPattern{Text: text, Mode: MatchContains} }

// Command describes a chat command and how to recognise its success.
type Command struct {
	// Name identifies the command in logs and scripts, e.g. "settings".
	Name string
	// Template is the command text with one %s verb per argument.
	Template string
	// AllowSpam appends filler per attempt so the server does not drop a
	// repeated identical line. Only valid for argument-free templates.
	AllowSpam bool
	// Patterns are checked in order against each inbound line.
	Patterns []SuccessPattern
}

// Arity returns the number of arguments Template expects.
func (c Command) Arity() int {
	n := 0
	for i := 0; i < len(c.Template); i++ {
		if c.Template[i] != '%' {
			continue
		}
		if i+1 < len(c.Template) && c.Template[i+1] == '%' {
			i++
			continue
		}
		n++
	}
	return n
}

// Format renders the command text for args.
//
// Postcondition: Returns an error if the argument count does not match the
// template or AllowSpam is combined with arguments.
func (c Command) Format(args ...string) (string, error) {
	arity := c.Arity()
	if len(args) != arity {
		return "", fmt.Errorf("command %q takes %d arguments, got %d", c.Name, arity, len(args))
	}
	if c.AllowSpam && arity > 0 {
		return "", fmt.Errorf("command %q: spam filler requires an argument-free template", c.Name)
	}
	if len(c.Patterns) == 0 {
		return "", fmt.Errorf("command %q has no success patterns", c.Name)
	}
	if arity == 0 {
		return strings.ReplaceAll(c.Template, "%%", "%"), nil
	}
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a
	}
	return fmt.Sprintf(c.Template, vals...), nil
}

// Bancho multiplayer commands and the BanchoBot replies that confirm them.
var (
	CmdSettings = Command{
		Name:      "settings",
		Template:  "!mp settings",
		AllowSpam: true,
		Patterns:  []SuccessPattern{Prefix("Room name:")},
	}
	CmdSetHost = Command{
		Name:     "host",
		Template: "!mp host %s",
		Patterns: []SuccessPattern{Prefix("Changed match host to"), Prefix("User not found")},
	}
	CmdClearHost = Command{
		Name:     "clearhost",
		Template: "!mp clearhost",
		Patterns: []SuccessPattern{Exact("Cleared match host")},
	}
	CmdSetMap = Command{
		Name:     "map",
		Template: "!mp map %s %s",
		Patterns: []SuccessPattern{Prefix("Changed beatmap to"), Prefix("Invalid map ID provided")},
	}
	CmdSetMods = Command{
		Name:     "mods",
		Template: "!mp mods %s",
		Patterns: []SuccessPattern{Prefix("Enabled "), Prefix("Disabled all mods")},
	}
	CmdStart = Command{
		Name:     "start",
		Template: "!mp start",
		Patterns: []SuccessPattern{Exact("Started the match"), Prefix("The match has already been started")},
	}
	CmdStartTimer = Command{
		Name:     "starttimer",
		Template: "!mp start %s",
		Patterns: []SuccessPattern{Prefix("Queued the match to start in"), Exact("Started the match")},
	}
	CmdAbort = Command{
		Name:     "abort",
		Template: "!mp abort",
		Patterns: []SuccessPattern{Exact("Aborted the match"), Exact("The match is not in progress")},
	}
	CmdAbortTimer = Command{
		Name:      "aborttimer",
		Template:  "!mp aborttimer",
		AllowSpam: true,
		Patterns:  []SuccessPattern{Exact("Countdown aborted"), Exact("No countdown is currently running")},
	}
	CmdTimer = Command{
		Name:     "timer",
		Template: "!mp timer %s",
		Patterns: []SuccessPattern{Prefix("Countdown ends in")},
	}
	CmdSetName = Command{
		Name:     "name",
		Template: "!mp name %s",
		Patterns: []SuccessPattern{Prefix("Room name updated to")},
	}
	CmdSetPassword = Command{
		Name:     "password",
		Template: "!mp password %s",
		Patterns: []SuccessPattern{Exact("Changed the match password"), Exact("Removed the match password")},
	}
	CmdClearPassword = Command{
		Name:     "clearpassword",
		Template: "!mp password",
		Patterns: []SuccessPattern{Exact("Removed the match password")},
	}
	CmdSetSize = Command{
		Name:     "size",
		Template: "!mp size %s",
		Patterns: []SuccessPattern{Prefix("Changed match to size")},
	}
	CmdSet = Command{
		Name:     "set",
		Template: "!mp set %s %s %s",
		Patterns: []SuccessPattern{Prefix("Changed match settings to")},
	}
	CmdKick = Command{
		Name:     "kick",
		Template: "!mp kick %s",
		Patterns: []SuccessPattern{Prefix("Kicked "), Prefix("User not found")},
	}
	CmdMove = Command{
		Name:     "move",
		Template: "!mp move %s %s",
		Patterns: []SuccessPattern{Contains(" moved to slot "), Prefix("User not found")},
	}
	CmdInvite = Command{
		Name:     "invite",
		Template: "!mp invite %s",
		Patterns: []SuccessPattern{Prefix("Invited "), Prefix("User not found")},
	}
	CmdLock = Command{
		Name:     "lock",
		Template: "!mp lock",
		Patterns: []SuccessPattern{Exact("Locked the match")},
	}
	CmdUnlock = Command{
		Name:     "unlock",
		Template: "!mp unlock",
		Patterns: []SuccessPattern{Exact("Unlocked the match")},
	}
	CmdClose = Command{
		Name:     "close",
		Template: "!mp close",
		Patterns: []SuccessPattern{Exact("Closed the match")},
	}
)

var catalogue = func() map[string]Command {
	m := make(map[string]Command)
	for _, c := range []Command{
		CmdSettings, CmdSetHost, CmdClearHost, CmdSetMap, CmdSetMods, CmdStart,
		CmdStartTimer, CmdAbort, CmdAbortTimer, CmdTimer, CmdSetName,
		CmdSetPassword, CmdClearPassword, CmdSetSize, CmdSet, CmdKick,
		CmdMove, CmdInvite, CmdLock, CmdUnlock, CmdClose,
	} {
		m[c.Name] = c
	}
	return m
}()

// LookupCommand returns the built-in command with the given name.
//
// Postcondition: Returns (command, true) if found, or (Command{}, false).
func LookupCommand(name string) (Command, bool) {
	c, ok := catalogue[strings.ToLower(name)]
	return c, ok
}
