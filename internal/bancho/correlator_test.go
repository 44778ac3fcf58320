package bancho

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/observability"
)

var cmdSave = Command{
	Name:     "save",
	Template: "!save",
	Patterns: []SuccessPattern{Prefix("Settings saved")},
}

func newTestCorrelator(t *testing.T, conn *fakeConn, timeout time.Duration, attempts int) (*Correlator, *observability.Collector) {
	t.Helper()
	tr := newTestTransport(t, conn, 1000, time.Second, 0)
	tr.Start()
	metrics := observability.NewCollector()
	return NewCorrelator(tr, timeout, attempts, zaptest.NewLogger(t), metrics), metrics
}

func TestCorrelator_SucceedsOnPrefixMatch(t *testing.T) {
	conn := newFakeConn(true)
	c, metrics := newTestCorrelator(t, conn, time.Second, 3)
	conn.setOnSend(func(target, text string) {
		assert.True(t, c.HandleMessage(target, "Settings saved for room #123"))
		// The command is no longer in flight; a second match is not counted.
		assert.False(t, c.HandleMessage(target, "Settings saved for room #123"))
	})

	var results []CommandResult
	c.OnExecuted(func(r CommandResult) { results = append(results, r) })

	assert.True(t, c.Execute(context.Background(), "#mp_123", cmdSave))
	assert.Equal(t, []string{"!save"}, conn.SentTexts())
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, "save", results[0].Command)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.CommandsSucceeded)
	assert.Equal(t, int64(1), snap.CommandAttempts)
}

func TestCorrelator_UnrelatedLineNeverCompletes(t *testing.T) {
	conn := newFakeConn(true)
	c, _ := newTestCorrelator(t, conn, 50*time.Millisecond, 2)
	conn.setOnSend(func(target, text string) {
		assert.False(t, c.HandleMessage(target, "Something else entirely"))
		assert.False(t, c.HandleMessage(target, "Room settings saved"))
	})

	assert.False(t, c.Execute(context.Background(), "#mp_1", cmdSave))
	assert.Len(t, conn.Sent(), 2)
}

func TestCorrelator_ExhaustsAfterConfiguredAttempts(t *testing.T) {
	conn := newFakeConn(true)
	timeout := 100 * time.Millisecond
	c, metrics := newTestCorrelator(t, conn, timeout, 3)

	start := time.Now()
	ok := c.Execute(context.Background(), "#mp_1", cmdSave)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Len(t, conn.Sent(), 3)
	assert.GreaterOrEqual(t, elapsed, 3*timeout)
	assert.Less(t, elapsed, 3*timeout+time.Second)
	assert.Equal(t, int64(1), metrics.Snapshot().CommandsFailed)
	assert.Equal(t, int64(3), metrics.Snapshot().CommandAttempts)
}

func TestCorrelator_SucceedsOnRetry(t *testing.T) {
	conn := newFakeConn(true)
	c, _ := newTestCorrelator(t, conn, 50*time.Millisecond, 5)
	var n int
	conn.setOnSend(func(target, text string) {
		n++
		if n == 3 {
			c.HandleMessage(target, "Settings saved")
		}
	})

	var result CommandResult
	c.OnExecuted(func(r CommandResult) { result = r })
	assert.True(t, c.Execute(context.Background(), "#mp_1", cmdSave))
	assert.Equal(t, 3, result.Attempts)
}

func TestCorrelator_MatchModes(t *testing.T) {
	tests := []struct {
		name    string
		pattern SuccessPattern
		line    string
		want    bool
	}{
		{"exact match", Exact("Locked the match"), "Locked the match", true},
		{"exact rejects suffix", Exact("Locked the match"), "Locked the match!", false},
		{"prefix match", Prefix("Changed match host to"), "Changed match host to peppy", true},
		{"prefix rejects infix", Prefix("Changed"), "Not Changed", false},
		{"contains match", Contains(" moved to slot "), "peppy moved to slot 3", true},
		{"contains rejects", Contains("slot"), "peppy left the game.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pattern.Matches(tt.line))
		})
	}
}

func TestCorrelator_SpamFillerVariesPerAttempt(t *testing.T) {
	conn := newFakeConn(true)
	c, _ := newTestCorrelator(t, conn, 20*time.Millisecond, 3)

	assert.False(t, c.Execute(context.Background(), "#mp_1", CmdSettings))
	texts := conn.SentTexts()
	require.Len(t, texts, 3)
	for i, text := range texts {
		assert.True(t, strings.HasPrefix(text, "!mp settings "), text)
		assert.Equal(t, "!mp settings", strings.TrimRight(text, " "))
		if i > 0 {
			assert.NotEqual(t, texts[i-1], text)
		}
	}
}

func TestCorrelator_InvalidCommandsFailWithoutSending(t *testing.T) {
	conn := newFakeConn(true)
	c, _ := newTestCorrelator(t, conn, time.Second, 3)
	ctx := context.Background()

	assert.False(t, c.Execute(ctx, "#mp_1", CmdSetHost), "missing argument")
	assert.False(t, c.Execute(ctx, "#mp_1", CmdLock, "extra"), "unexpected argument")

	spamWithArgs := Command{Name: "bad", Template: "!mp name %s", AllowSpam: true, Patterns: []SuccessPattern{Prefix("x")}}
	assert.False(t, c.Execute(ctx, "#mp_1", spamWithArgs, "room"))

	assert.False(t, c.Execute(ctx, "#mp_1", CmdSetName, strings.Repeat("n", 300)), "oversized text")
	assert.Empty(t, conn.Sent())
}

func TestCorrelator_IgnoresLinesBeforeTransmission(t *testing.T) {
	conn := newFakeConn(false)
	c, _ := newTestCorrelator(t, conn, time.Second, 1)

	done := make(chan bool, 1)
	go func() { done <- c.Execute(context.Background(), "#mp_1", cmdSave) }()

	require.Eventually(t, func() bool { return c.InFlight("#mp_1") }, time.Second, 5*time.Millisecond)
	// A stale reply from before our line went out must not complete it.
	assert.False(t, c.HandleMessage("#mp_1", "Settings saved"))

	conn.setOnSend(func(target, text string) { c.HandleMessage(target, "Settings saved") })
	conn.setConnected(true)
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("command did not complete")
	}
}

func TestCorrelator_SerialisesCommandsPerChannel(t *testing.T) {
	conn := newFakeConn(true)
	c, _ := newTestCorrelator(t, conn, 2*time.Second, 1)

	cmdA := Command{Name: "a", Template: "cmd A", Patterns: []SuccessPattern{Exact("A ok")}}
	cmdB := Command{Name: "b", Template: "cmd B", Patterns: []SuccessPattern{Exact("B ok")}}

	var wg sync.WaitGroup
	var okA, okB bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		okA = c.Execute(context.Background(), "#mp_1", cmdA)
	}()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		okB = c.Execute(context.Background(), "#MP_1", cmdB)
	}()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"cmd A"}, conn.SentTexts(), "B must queue behind A")

	// B's response while A is in flight is not cross-matched.
	assert.False(t, c.HandleMessage("#mp_1", "B ok"))
	assert.True(t, c.HandleMessage("#mp_1", "A ok"))

	require.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.HandleMessage("#mp_1", "A ok"))
	assert.True(t, c.HandleMessage("#mp_1", "B ok"))
	wg.Wait()

	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, []string{"cmd A", "cmd B"}, conn.SentTexts())
}

func TestCorrelator_ChannelsDoNotBlockEachOther(t *testing.T) {
	conn := newFakeConn(true)
	c, _ := newTestCorrelator(t, conn, 2*time.Second, 1)
	conn.setOnSend(func(target, text string) {
		if target == "#mp_2" {
			c.HandleMessage(target, "Settings saved")
		}
	})

	first := make(chan bool, 1)
	go func() { first <- c.Execute(context.Background(), "#mp_1", cmdSave) }()
	require.Eventually(t, func() bool { return c.InFlight("#mp_1") }, time.Second, 5*time.Millisecond)

	assert.True(t, c.Execute(context.Background(), "#mp_2", cmdSave))
	require.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.HandleMessage("#mp_1", "Settings saved"))
	assert.True(t, <-first)
}

func TestCorrelator_CancelWhileQueued(t *testing.T) {
	conn := newFakeConn(true)
	c, _ := newTestCorrelator(t, conn, 2*time.Second, 1)

	first := make(chan bool, 1)
	go func() { first <- c.Execute(context.Background(), "#mp_1", cmdSave) }()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- c.Execute(ctx, "#mp_1", CmdLock) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("cancelled Execute did not return")
	}
	// The cancelled command never reached the wire.
	assert.True(t, c.HandleMessage("#mp_1", "Settings saved"))
	assert.True(t, <-first)
	assert.False(t, c.InFlight("#mp_1"))
	assert.Equal(t, []string{"!save"}, conn.SentTexts())
}

func TestCommand_FormatAndCatalogue(t *testing.T) {
	text, err := CmdSetMap.Format("75", "0")
	require.NoError(t, err)
	assert.Equal(t, "!mp map 75 0", text)

	_, err = CmdSetMap.Format("75")
	assert.Error(t, err)

	assert.Equal(t, 3, CmdSet.Arity())
	assert.Equal(t, 0, CmdStart.Arity())
	assert.Equal(t, 1, Command{Template: "100%% %s"}.Arity())

	for _, name := range []string{
		"settings", "host", "clearhost", "map", "mods", "start", "abort",
		"aborttimer", "timer", "name", "password", "size", "set", "kick",
		"move", "invite", "lock", "unlock", "close",
	} {
		cmd, ok := LookupCommand(name)
		assert.True(t, ok, name)
		assert.NotEmpty(t, cmd.Patterns, name)
	}
	_, ok := LookupCommand("nope")
	assert.False(t, ok)
	cmd, ok := LookupCommand("LOCK")
	assert.True(t, ok)
	assert.Equal(t, "!mp lock", cmd.Template)
}
