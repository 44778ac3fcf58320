package irc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/testutil"
)

type inbound struct {
	Sender, Target, Text string
}

type handlerState struct {
	messages     []inbound
	joined       []string
	joinFailed   map[string]string
	parted       []string
	disconnected int
}

type recordingHandler struct {
	mu sync.Mutex
	handlerState
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{handlerState: handlerState{joinFailed: make(map[string]string)}}
}

func (h *recordingHandler) HandleMessage(sender, target, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, inbound{sender, target, text})
}

func (h *recordingHandler) HandleJoined(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined = append(h.joined, channel)
}

func (h *recordingHandler) HandleJoinFailed(channel, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinFailed[channel] = reason
}

func (h *recordingHandler) HandleParted(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parted = append(h.parted, channel)
}

func (h *recordingHandler) HandleDisconnected(error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected++
}

func (h *recordingHandler) snapshot() handlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := handlerState{
		messages:     append([]inbound(nil), h.messages...),
		joined:       append([]string(nil), h.joined...),
		parted:       append([]string(nil), h.parted...),
		joinFailed:   make(map[string]string, len(h.joinFailed)),
		disconnected: h.disconnected,
	}
	for k, v := range h.joinFailed {
		cp.joinFailed[k] = v
	}
	return cp
}

func newTestClient(t *testing.T, srv *testutil.FakeBancho, password string) (*Client, *recordingHandler) {
	t.Helper()
	c := NewClient(config.BanchoConfig{
		Host:         srv.Host(),
		Port:         srv.Port(),
		Username:     "Lobby Bot",
		Password:     password,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
	}, zaptest.NewLogger(t))
	h := newRecordingHandler()
	c.SetHandler(h)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, h
}

func TestClient_ConnectRegisters(t *testing.T) {
	srv := testutil.NewFakeBancho(t, "secret")
	c, _ := newTestClient(t, srv, "secret")

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.Equal(t, "Lobby_Bot", c.Nick())
	assert.Equal(t, 1, srv.Logins())
}

func TestClient_ConnectRejectedPassword(t *testing.T) {
	srv := testutil.NewFakeBancho(t, "secret")
	c, _ := newTestClient(t, srv, "wrong")

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrLoginRejected)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.SendMessage("#osu", "hi"), ErrNotConnected)
}

func TestClient_ConnectHonoursContext(t *testing.T) {
	srv := testutil.NewFakeBancho(t, "secret")
	c, _ := newTestClient(t, srv, "secret")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.Connect(ctx))
	assert.False(t, c.Connected())
}

func TestClient_PrivmsgRoundTrip(t *testing.T) {
	srv := testutil.NewFakeBancho(t, "secret")
	srv.OnPrivmsg(func(target, text string) []testutil.Reply {
		if text == "!mp lock" {
			return []testutil.Reply{{Target: target, Text: "Locked the match"}}
		}
		return nil
	})
	c, h := newTestClient(t, srv, "secret")
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.SendMessage("#mp_1", "!mp lock"))
	require.Eventually(t, func() bool { return len(h.snapshot().messages) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, inbound{"BanchoBot", "#mp_1", "Locked the match"}, h.snapshot().messages[0])
	assert.Equal(t, []testutil.Privmsg{{Target: "#mp_1", Text: "!mp lock"}}, srv.Received())

	srv.Say("peppy", "Lobby_Bot", "hello")
	require.Eventually(t, func() bool { return len(h.snapshot().messages) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, inbound{"peppy", "Lobby_Bot", "hello"}, h.snapshot().messages[1])
}

func TestClient_TrailingWhitespaceSurvives(t *testing.T) {
	srv := testutil.NewFakeBancho(t, "secret")
	c, _ := newTestClient(t, srv, "secret")
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.SendMessage("#mp_1", "!mp settings  "))
	require.Eventually(t, func() bool { return len(srv.Received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "!mp settings  ", srv.Received()[0].Text)
}

func TestClient_JoinPartAndRefusal(t *testing.T) {
	srv := testutil.NewFakeBancho(t, "secret")
	srv.Refuse("#mp_9", "No such channel #mp_9")
	c, h := newTestClient(t, srv, "secret")
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Join("#mp_1"))
	require.NoError(t, c.Join("#mp_9"))
	require.Eventually(t, func() bool {
		s := h.snapshot()
		return len(s.joined) == 1 && len(s.joinFailed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"#mp_1"}, h.snapshot().joined)
	assert.Equal(t, "No such channel #mp_9", h.snapshot().joinFailed["#mp_9"])

	require.NoError(t, c.Part("#mp_1"))
	require.Eventually(t, func() bool { return len(h.snapshot().parted) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "#mp_1", h.snapshot().parted[0])
}

func TestClient_IgnoresOtherUsersJoins(t *testing.T) {
	srv := testutil.NewFakeBancho(t, "secret")
	c, h := newTestClient(t, srv, "secret")
	require.NoError(t, c.Connect(context.Background()))

	srv.Send(":peppy!cho@ppy.sh JOIN :#osu")
	srv.Say("BanchoBot", "Lobby_Bot", "marker")
	require.Eventually(t, func() bool { return len(h.snapshot().messages) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.snapshot().joined)
}

func TestClient_AnswersPing(t *testing.T) {
	srv := testutil.NewFakeBancho(t, "secret")
	c, _ := newTestClient(t, srv, "secret")
	require.NoError(t, c.Connect(context.Background()))

	srv.Send("PING :cho.ppy.sh")
	require.Eventually(t, func() bool {
		for _, l := range srv.Lines() {
			if l == "PONG cho.ppy.sh" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.True(t, c.Connected())
}

func TestClient_ReportsLossOnce(t *testing.T) {
	srv := testutil.NewFakeBancho(t, "secret")
	c, h := newTestClient(t, srv, "secret")
	require.NoError(t, c.Connect(context.Background()))

	srv.DropClients()
	require.Eventually(t, func() bool { return h.snapshot().disconnected == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.SendMessage("#osu", "hi"), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.Equal(t, 2, srv.Logins())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.snapshot().disconnected)
}

func TestClient_DisconnectSuppressesLoss(t *testing.T) {
	srv := testutil.NewFakeBancho(t, "secret")
	c, h := newTestClient(t, srv, "secret")
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.snapshot().disconnected)
	assert.False(t, c.Connected())
}
