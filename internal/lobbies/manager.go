// Package lobbies opens the lobbies described by profiles once the session
// is connected, applies their settings and attaches their scripts and
// match recording.
package lobbies

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/bancho"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/event"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobby"
)

// State is the lifecycle state of a managed lobby.
type State int

const (
	// StatePending means the lobby has been requested but not yet joined.
	StatePending State = iota
	// StateActive means the bot is in the lobby channel.
	StateActive
	// StateFailed means the join or creation was refused.
	StateFailed
	// StateClosed means the bot has left the lobby channel.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the part of the bancho session the manager drives.
// *bancho.Session satisfies it.
type Session interface {
	Join(ctx context.Context, channel string) error
	Leave(ctx context.Context, channel string) error
	CreateLobby(ctx context.Context, title string) error
	Execute(ctx context.Context, channel string, cmd bancho.Command, args ...string) bool
	Register(b event.Behavior) error
}

// Scripts loads and unloads per-lobby behaviors. *scripting.Manager
// satisfies it.
type Scripts interface {
	Load(channel, path string) error
	Unload(channel string)
}

// Deps carries the optional collaborators of a Manager.
type Deps struct {
	// Scripts is nil when no profile uses a script.
	Scripts Scripts
	// Sink is nil when match recording is disabled; profiles asking for
	// recording are then only logged.
	Sink   lobby.MatchSink
	Logger *zap.Logger
}

// Lobby is the externally visible state of one profile.
type Lobby struct {
	Name    string `json:"name"`
	Channel string `json:"channel,omitempty"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
	Script  string `json:"script,omitempty"`
	Record  bool   `json:"record_matches"`
}

type managed struct {
	profile lobby.Profile
	channel string
	state   State
	err     string
	// recording is set once the recorder has been registered; handlers
	// are never removed, so it must happen at most once per channel.
	recording bool
}

// Manager opens and tracks the lobbies of a set of profiles.
//
// All event handling happens on the session's inbound pipeline; the
// settings commands run on a goroutine per lobby.
type Manager struct {
	session Session
	deps    Deps
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lobbies []*managed
	opened  bool
	closed  bool
}

// New creates a Manager for profiles. Nothing is requested until the
// session publishes SessionStarted.
//
// Precondition: session and deps.Logger must be non-nil; profiles must
// have passed Validate.
func New(session Session, profiles []lobby.Profile, deps Deps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		session: session,
		deps:    deps,
		logger:  deps.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, p := range profiles {
		m.lobbies = append(m.lobbies, &managed{profile: p, channel: p.Channel})
	}
	return m
}

// Registrations implements event.Behavior.
func (m *Manager) Registrations() []event.Registration {
	return []event.Registration{
		{Kind: event.SessionStarted, Name: "lobbies.SessionStarted", Handler: m.onSessionStarted},
		{Kind: event.SessionStopped, Name: "lobbies.SessionStopped", Handler: m.onSessionStopped},
		{Kind: event.LobbyCreated, Name: "lobbies.LobbyCreated", Handler: m.onLobbyCreated},
		{Kind: event.ChannelJoined, Name: "lobbies.ChannelJoined", Handler: m.onJoined},
		{Kind: event.ChannelJoinFailure, Name: "lobbies.ChannelJoinFailure", Handler: m.onJoinFailed},
		{Kind: event.ChannelLeft, Name: "lobbies.ChannelLeft", Handler: m.onLeft},
	}
}

// Lobbies returns the state of every profile, ordered by name.
func (m *Manager) Lobbies() []Lobby {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lobby, 0, len(m.lobbies))
	for _, l := range m.lobbies {
		out = append(out, Lobby{
			Name:    l.profile.Name,
			Channel: l.channel,
			State:   l.state.String(),
			Error:   l.err,
			Script:  l.profile.Script,
			Record:  l.profile.Record,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close leaves every active lobby and waits for pending settings
// commands. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var active []string
	for _, l := range m.lobbies {
		if l.state == StateActive {
			active = append(active, l.channel)
		}
	}
	m.mu.Unlock()

	for _, ch := range active {
		if err := m.session.Leave(m.ctx, ch); err != nil && !errors.Is(err, bancho.ErrSessionStopped) && !errors.Is(err, context.Canceled) {
			m.logger.Warn("leaving lobby", zap.String("channel", ch), zap.Error(err))
		}
	}
	m.cancel()
	m.wg.Wait()
}

// onSessionStarted requests every lobby once. Reconnects rejoin channels
// through the session and do not reach this handler again.
func (m *Manager) onSessionStarted(ctx context.Context, _ event.Event) error {
	m.mu.Lock()
	if m.opened {
		m.mu.Unlock()
		return nil
	}
	m.opened = true
	lobbies := append([]*managed(nil), m.lobbies...)
	m.mu.Unlock()

	var errs []error
	for _, l := range lobbies {
		if err := m.open(ctx, l); err != nil {
			m.setFailed(l, err.Error())
			errs = append(errs, fmt.Errorf("opening %s: %w", l.profile.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) open(ctx context.Context, l *managed) error {
	if l.profile.Channel != "" {
		m.logger.Info("joining lobby", zap.String("profile", l.profile.Name), zap.String("channel", l.profile.Channel))
		return m.session.Join(ctx, l.profile.Channel)
	}
	m.logger.Info("creating lobby", zap.String("profile", l.profile.Name), zap.String("title", l.profile.Title))
	return m.session.CreateLobby(ctx, l.profile.Title)
}

func (m *Manager) onSessionStopped(context.Context, event.Event) error {
	m.cancel()
	return nil
}

// onLobbyCreated binds a newly created match to the pending profile with
// the same title. The server joins the creator to the channel itself.
func (m *Manager) onLobbyCreated(_ context.Context, e event.Event) error {
	created, ok := e.Payload.(bancho.LobbyCreated)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", e.Kind, e.Payload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lobbies {
		if l.state == StatePending && l.channel == "" && strings.TrimSpace(l.profile.Title) == created.Title {
			l.channel = created.Channel
			m.logger.Info("lobby bound", zap.String("profile", l.profile.Name), zap.String("channel", created.Channel))
			return nil
		}
	}
	m.logger.Debug("created lobby matches no profile", zap.String("channel", created.Channel), zap.String("title", created.Title))
	return nil
}

func (m *Manager) onJoined(_ context.Context, e event.Event) error {
	m.mu.Lock()
	l := m.byChannel(e.Scope)
	if l == nil || l.state == StateActive {
		// Unknown channel, or a rejoin after reconnect.
		m.mu.Unlock()
		return nil
	}
	l.state = StateActive
	l.err = ""
	p := l.profile
	record := p.Record && m.deps.Sink != nil && !l.recording
	if record {
		l.recording = true
	}
	m.mu.Unlock()

	var errs []error
	if record {
		if err := m.session.Register(lobby.NewRecorder(m.deps.Sink, e.Scope)); err != nil {
			errs = append(errs, fmt.Errorf("registering recorder: %w", err))
		}
	} else if p.Record && m.deps.Sink == nil {
		m.logger.Warn("match recording requested without a database", zap.String("profile", p.Name))
	}

	if p.Script != "" {
		if m.deps.Scripts == nil {
			errs = append(errs, fmt.Errorf("profile %s has a script but scripting is disabled", p.Name))
		} else if err := m.deps.Scripts.Load(e.Scope, p.Script); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("lobby active", zap.String("profile", p.Name), zap.String("channel", e.Scope))
	m.configure(e.Scope, p)
	return errors.Join(errs...)
}

func (m *Manager) onJoinFailed(_ context.Context, e event.Event) error {
	reason := ""
	if f, ok := e.Payload.(event.JoinFailure); ok {
		reason = f.Reason
	}
	m.mu.Lock()
	l := m.byChannel(e.Scope)
	m.mu.Unlock()
	if l == nil {
		return nil
	}
	m.setFailed(l, reason)
	m.logger.Warn("lobby join refused", zap.String("profile", l.profile.Name), zap.String("channel", e.Scope), zap.String("reason", reason))
	return nil
}

func (m *Manager) onLeft(_ context.Context, e event.Event) error {
	m.mu.Lock()
	l := m.byChannel(e.Scope)
	if l == nil {
		m.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	name := l.profile.Name
	m.mu.Unlock()

	if m.deps.Scripts != nil {
		m.deps.Scripts.Unload(e.Scope)
	}
	m.logger.Info("lobby closed", zap.String("profile", name), zap.String("channel", e.Scope))
	return nil
}

// configure applies the profile's settings on a goroutine, since each
// command blocks until BanchoBot confirms it.
func (m *Manager) configure(channel string, p lobby.Profile) {
	steps := settingsCommands(p)
	if len(steps) == 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, s := range steps {
			if m.ctx.Err() != nil {
				return
			}
			if !m.session.Execute(m.ctx, channel, s.cmd, s.args...) {
				m.logger.Warn("lobby setting not applied",
					zap.String("profile", p.Name),
					zap.String("channel", channel),
					zap.String("command", s.cmd.Name),
				)
			}
		}
	}()
}

type step struct {
	cmd  bancho.Command
	args []string
}

// settingsCommands lists the commands that bring a lobby in line with p.
// Unset profile fields leave the lobby's current value alone.
func settingsCommands(p lobby.Profile) []step {
	var steps []step
	if p.Channel != "" && p.Title != "" {
		steps = append(steps, step{bancho.CmdSetName, []string{p.Title}})
	}
	if p.Password != "" {
		steps = append(steps, step{bancho.CmdSetPassword, []string{p.Password}})
	}
	if p.Size > 0 {
		steps = append(steps, step{bancho.CmdSet, []string{
			strconv.Itoa(p.TeamMode), strconv.Itoa(p.WinCondition), strconv.Itoa(p.Size),
		}})
	}
	if p.Mods != "" {
		steps = append(steps, step{bancho.CmdSetMods, []string{p.Mods}})
	}
	return steps
}

func (m *Manager) setFailed(l *managed, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.state = StateFailed
	l.err = reason
}

// byChannel returns the lobby bound to channel. The caller holds m.mu.
func (m *Manager) byChannel(channel string) *managed {
	for _, l := range m.lobbies {
		if l.channel != "" && strings.EqualFold(l.channel, channel) {
			return l
		}
	}
	return nil
}
