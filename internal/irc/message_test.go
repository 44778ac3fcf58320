package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Message
	}{
		{
			name: "privmsg from BanchoBot",
			line: ":BanchoBot!cho@ppy.sh PRIVMSG #mp_123 :Changed match host to peppy",
			want: Message{Prefix: "BanchoBot!cho@ppy.sh", Command: "PRIVMSG", Params: []string{"#mp_123", "Changed match host to peppy"}},
		},
		{
			name: "ping without prefix",
			line: "PING cho.ppy.sh",
			want: Message{Command: "PING", Params: []string{"cho.ppy.sh"}},
		},
		{
			name: "numeric with middle params",
			line: ":cho.ppy.sh 403 lobbybot #mp_1 :No such channel #mp_1\r\n",
			want: Message{Prefix: "cho.ppy.sh", Command: "403", Params: []string{"lobbybot", "#mp_1", "No such channel #mp_1"}},
		},
		{
			name: "tags are dropped and command upper-cased",
			line: "@time=now :peppy!cho@ppy.sh join :#osu",
			want: Message{Prefix: "peppy!cho@ppy.sh", Command: "JOIN", Params: []string{"#osu"}},
		},
		{
			name: "empty trailing",
			line: "PRIVMSG #osu :",
			want: Message{Command: "PRIVMSG", Params: []string{"#osu", ""}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMessage_Empty(t *testing.T) {
	for _, line := range []string{"", "   ", ":prefix.only", "\r\n"} {
		_, err := ParseMessage(line)
		assert.Error(t, err, "%q", line)
	}
}

func TestMessage_Accessors(t *testing.T) {
	m, err := ParseMessage(":peppy!cho@ppy.sh PRIVMSG lobbybot :hello there")
	require.NoError(t, err)
	assert.Equal(t, "peppy", m.Nick())
	assert.Equal(t, "lobbybot", m.Param(0))
	assert.Equal(t, "", m.Param(5))
	assert.Equal(t, "hello there", m.Trailing())
	assert.Equal(t, "", Message{Command: "QUIT"}.Trailing())
}

func TestMessage_String(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "pong echoes server",
			msg:  Message{Command: CmdPong, Params: []string{"cho.ppy.sh"}},
			want: "PONG cho.ppy.sh",
		},
		{
			name: "privmsg with spaces",
			msg:  Message{Command: CmdPrivmsg, Params: []string{"#mp_1", "!mp start 10"}},
			want: "PRIVMSG #mp_1 :!mp start 10",
		},
		{
			name: "leading colon is kept in trailing form",
			msg:  Message{Command: CmdPrivmsg, Params: []string{"peppy", ":)"}},
			want: "PRIVMSG peppy ::)",
		},
		{
			name: "prefix",
			msg:  Message{Prefix: "BanchoBot!cho@ppy.sh", Command: CmdJoin, Params: []string{"#mp_1"}},
			want: ":BanchoBot!cho@ppy.sh JOIN #mp_1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.String())
		})
	}
}

func TestNickFor(t *testing.T) {
	assert.Equal(t, "Some_Player", NickFor("Some Player"))
	assert.Equal(t, "peppy", NickFor("peppy"))
	assert.True(t, IsChannel("#mp_1"))
	assert.False(t, IsChannel("BanchoBot"))
}

// String followed by ParseMessage preserves target and text, including
// the trailing whitespace the command filler relies on.
func TestMessage_StringParsesBack(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		target := rapid.StringMatching(`#?[A-Za-z0-9_]{1,16}`).Draw(t, "target")
		text := rapid.StringMatching(`[!-~ ]{0,40}`).Draw(t, "text")

		line := Message{Command: CmdPrivmsg, Params: []string{target, text}}.String()
		got, err := ParseMessage(line)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		if got.Param(0) != target || got.Trailing() != text {
			t.Fatalf("round trip of %q gave %+v", line, got)
		}
	})
}
