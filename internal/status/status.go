// Package status serves a read-only HTTP view of the running bot:
// liveness, session state and recorded match history.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/bancho"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobbies"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/storage/postgres"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	healthTimeout       = 2 * time.Second
)

// SessionSource reports the session's state.
type SessionSource interface {
	Status() bancho.Status
}

// MatchHistory lists recorded matches of one channel.
type MatchHistory interface {
	Recent(ctx context.Context, channel string, limit int) ([]postgres.StoredMatch, error)
}

// LobbySource lists the managed lobby profiles.
type LobbySource interface {
	Lobbies() []lobbies.Lobby
}

// HealthCheck probes a dependency. It returns nil when healthy.
type HealthCheck func(ctx context.Context) error

// Handlers holds the data sources the routes read from.
type Handlers struct {
	Session SessionSource
	// History is nil when match recording is disabled.
	History MatchHistory
	// Lobbies is nil when no profiles are loaded.
	Lobbies LobbySource
	// Checks are named dependency probes run by /healthz.
	Checks map[string]HealthCheck
	Logger *zap.Logger
}

// Routes builds the router.
//
// Precondition: h.Session and h.Logger must not be nil.
func Routes(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	r.Get("/status", h.status)
	r.Get("/lobbies", h.lobbies)
	r.Route("/lobbies/{channel}", func(r chi.Router) {
		r.Get("/", h.lobby)
		r.Get("/matches", h.matches)
	})
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	State  string            `json:"state"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	st := h.Session.Status()
	resp := healthResponse{Status: "ok", State: st.State}
	code := http.StatusOK
	if st.State != "connected" {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	if len(h.Checks) > 0 {
		resp.Checks = make(map[string]string, len(h.Checks))
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		for name, check := range h.Checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	h.writeJSON(w, code, resp)
}

func (h Handlers) status(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Session.Status())
}

func (h Handlers) lobbies(w http.ResponseWriter, _ *http.Request) {
	list := []lobbies.Lobby{}
	if h.Lobbies != nil {
		list = h.Lobbies.Lobbies()
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h Handlers) lobby(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r)
	for _, cs := range h.Session.Status().Channels {
		if strings.EqualFold(cs.Name, channel) {
			h.writeJSON(w, http.StatusOK, cs)
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "not in channel "+channel)
}

func (h Handlers) matches(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		h.writeError(w, http.StatusNotFound, "match recording is disabled")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	channel := channelParam(r)
	matches, err := h.History.Recent(r.Context(), channel, limit)
	if err != nil {
		h.Logger.Error("listing matches", zap.String("channel", channel), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "listing matches failed")
		return
	}
	if matches == nil {
		matches = []postgres.StoredMatch{}
	}
	h.writeJSON(w, http.StatusOK, matches)
}

// channelParam maps the URL segment to a channel name. The leading '#'
// may be omitted, since it cannot appear unescaped in a path.
func channelParam(r *http.Request) string {
	ch := chi.URLParam(r, "channel")
	if !strings.HasPrefix(ch, "#") {
		ch = "#" + ch
	}
	return ch
}

func (h Handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Debug("writing response", zap.Error(err))
	}
}

func (h Handlers) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: msg})
}

// Server runs the status router on a TCP address.
type Server struct {
	http   *http.Server
	logger *zap.Logger
}

// NewServer creates a Server for cfg.
//
// Precondition: handler and logger must not be nil.
func NewServer(cfg config.StatusConfig, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With(zap.String("component", "status")),
	}
}

// Start listens and serves until Stop.
//
// Postcondition: Returns nil after Stop, or the listen error.
func (s *Server) Start() error {
	s.logger.Info("status endpoint listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("status shutdown", zap.Error(err))
	}
}
