package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/bancho"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobbies"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/storage/postgres"
)

type stubSession struct{ st bancho.Status }

func (s stubSession) Status() bancho.Status { return s.st }

type stubHistory struct {
	matches []postgres.StoredMatch
	err     error
	channel string
	limit   int
}

func (h *stubHistory) Recent(_ context.Context, channel string, limit int) ([]postgres.StoredMatch, error) {
	h.channel, h.limit = channel, limit
	return h.matches, h.err
}

func connected() stubSession {
	return stubSession{st: bancho.Status{
		ID:       "abc",
		Username: "lobbybot",
		State:    "connected",
		Channels: []bancho.ChannelStatus{{Name: "#mp_1", MatchID: 1, InviteLink: "osump://1/", Players: 3}},
	}}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name    string
		session stubSession
		checks  map[string]HealthCheck
		code    int
		status  string
	}{
		{"connected", connected(), nil, http.StatusOK, "ok"},
		{"reconnecting", stubSession{st: bancho.Status{State: "reconnecting"}}, nil, http.StatusServiceUnavailable, "degraded"},
		{
			"database down",
			connected(),
			map[string]HealthCheck{"database": func(context.Context) error { return errors.New("refused") }},
			http.StatusServiceUnavailable,
			"degraded",
		},
		{
			"database up",
			connected(),
			map[string]HealthCheck{"database": func(context.Context) error { return nil }},
			http.StatusOK,
			"ok",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Routes(Handlers{Session: tt.session, Checks: tt.checks, Logger: zaptest.NewLogger(t)})
			rec := get(t, h, "/healthz")
			assert.Equal(t, tt.code, rec.Code)

			var body healthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			for name := range tt.checks {
				assert.Contains(t, body.Checks, name)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	h := Routes(Handlers{Session: connected(), Logger: zaptest.NewLogger(t)})
	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st bancho.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "lobbybot", st.Username)
	require.Len(t, st.Channels, 1)
	assert.Equal(t, "osump://1/", st.Channels[0].InviteLink)
}

func TestLobby(t *testing.T) {
	h := Routes(Handlers{Session: connected(), Logger: zaptest.NewLogger(t)})

	rec := get(t, h, "/lobbies/mp_1")
	require.Equal(t, http.StatusOK, rec.Code)
	var cs bancho.ChannelStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	assert.Equal(t, 3, cs.Players)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/lobbies/mp_2").Code)
}

type stubLobbies []lobbies.Lobby

func (s stubLobbies) Lobbies() []lobbies.Lobby { return s }

func TestLobbies(t *testing.T) {
	h := Routes(Handlers{Session: connected(), Logger: zaptest.NewLogger(t)})
	rec := get(t, h, "/lobbies")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	h = Routes(Handlers{
		Session: connected(),
		Lobbies: stubLobbies{{Name: "alpha", Channel: "#mp_1", State: "active", Record: true}},
		Logger:  zaptest.NewLogger(t),
	})
	rec = get(t, h, "/lobbies")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"name":"alpha","channel":"#mp_1","state":"active","record_matches":true}]`, rec.Body.String())
}

func TestMatches(t *testing.T) {
	history := &stubHistory{matches: []postgres.StoredMatch{{
		ID:         uuid.New(),
		Channel:    "#mp_1",
		FinishedAt: time.Now(),
	}}}
	h := Routes(Handlers{Session: connected(), History: history, Logger: zaptest.NewLogger(t)})

	rec := get(t, h, "/lobbies/mp_1/matches?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []postgres.StoredMatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 1)
	assert.Equal(t, "#mp_1", history.channel)
	assert.Equal(t, 5, history.limit)

	get(t, h, "/lobbies/mp_1/matches")
	assert.Equal(t, defaultHistoryLimit, history.limit)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/lobbies/mp_1/matches?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/lobbies/mp_1/matches?limit=x").Code)

	history.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/lobbies/mp_1/matches").Code)

	history.err, history.matches = nil, nil
	rec = get(t, h, "/lobbies/mp_1/matches")
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestMatches_RecordingDisabled(t *testing.T) {
	h := Routes(Handlers{Session: connected(), Logger: zaptest.NewLogger(t)})
	assert.Equal(t, http.StatusNotFound, get(t, h, "/lobbies/mp_1/matches").Code)
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(config.StatusConfig{Host: "127.0.0.1", Port: 0}, http.NotFoundHandler(), zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	time.Sleep(20 * time.Millisecond)
	srv.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
