package bancho

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/event"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobby"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/observability"
)

// Connection is the upstream chat connection a Session drives.
type Connection interface {
	Sender
	ChannelConn
	// Connect dials and registers. It returns once the server accepted the login.
	Connect(ctx context.Context) error
	// Disconnect closes the connection. Safe to call when not connected.
	Disconnect() error
}

// Deps are the collaborators of a Session beyond its connection.
type Deps struct {
	Logger  *zap.Logger
	Metrics *observability.Collector
	// Notifier receives terminal failures. Defaults to logging them.
	Notifier Notifier
}

// Session is one chat connection hosting any number of lobby channels. It
// owns the transport, correlator, channel handler, lobby normalizer,
// watchdog, dispatcher and timers, and implements the inbound callbacks
// of the connection. Inbound processing is serialised by one pipeline lock.
type Session struct {
	id       uuid.UUID
	username string
	conn     Connection
	logger   *zap.Logger
	metrics  *observability.Collector

	transport  *Transport
	correlator *Correlator
	channels   *ChannelHandler
	normalizer *lobby.Normalizer
	parser     *lobby.Parser
	watchdog   *Watchdog
	dispatcher *event.Dispatcher
	timers     *event.Timers

	// pipeline serialises inbound notifications, timer expiries and
	// outbound MessageSent/CommandExecuted publication.
	pipeline sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	async  sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	err     error
	done    chan struct{}
}

// New assembles a stopped Session.
//
// Precondition: cfg must have passed Validate; conn and deps.Logger must be non-nil.
func New(cfg config.Config, conn Connection, deps Deps) *Session {
	id := uuid.New()
	logger := observability.SessionLogger(deps.Logger, id.String(), cfg.Bancho.Username)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:       id,
		username: cfg.Bancho.Username,
		conn:     conn,
		logger:   logger,
		metrics:  deps.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = logNotifier{logger: logger}
	}

	s.dispatcher = event.NewDispatcher(observability.Component(logger, "dispatcher"), deps.Metrics)
	s.transport = NewTransport(conn,
		NewRateLimiter(cfg.RateLimit.Count, cfg.RateLimit.Window),
		cfg.RateLimit.MaxQueue,
		observability.Component(logger, "transport"),
		deps.Metrics,
	)
	s.transport.OnSent(s.onMessageSent)
	s.correlator = NewCorrelator(s.transport, cfg.Command.Timeout, cfg.Command.Attempts,
		observability.Component(logger, "correlator"), deps.Metrics)
	s.correlator.OnExecuted(s.onCommandExecuted)
	s.channels = NewChannelHandler(conn, s.transport, s.dispatch, observability.Component(logger, "channels"))
	s.normalizer = lobby.NewNormalizer(s.dispatch)
	s.parser = lobby.NewParser(s.normalizer)
	s.timers = event.NewTimers(s.onTimer)
	s.watchdog = NewWatchdog(cfg.Reconnect,
		ReconnectFunc(s.reconnect),
		s.channels,
		notifier,
		observability.Component(logger, "watchdog"),
		deps.Metrics,
	)
	s.watchdog.OnFailed(s.fail)
	return s
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id.String() }

// Dispatcher returns the session's event dispatcher for behavior registration.
func (s *Session) Dispatcher() *event.Dispatcher { return s.dispatcher }

// Register adds a behavior's handlers to the dispatcher.
func (s *Session) Register(b event.Behavior) error {
	return s.dispatcher.RegisterBehavior(b)
}

// Start connects and launches the transport pump and the watchdog.
//
// Postcondition: Returns nil once connected, ErrSessionStopped after Stop,
// or the connection error. A second Start is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connecting session: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = s.conn.Disconnect()
		return ErrSessionStopped
	}
	s.started = true
	s.mu.Unlock()

	s.transport.Start()
	s.watchdog.Start()
	s.logger.Info("session started")
	s.publish(event.Event{Kind: event.SessionStarted})
	return nil
}

// Stop shuts every component down and disconnects. Idempotent.
//
// Postcondition: The transport pump and the watchdog have exited.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.publish(event.Event{Kind: event.SessionStopped})
	}
	s.timers.StopAll()
	s.watchdog.Stop()
	s.transport.Stop()
	s.cancel()
	s.async.Wait()
	if err := s.conn.Disconnect(); err != nil {
		s.logger.Debug("disconnect on stop", zap.Error(err))
	}
	s.logger.Info("session stopped")
	close(s.done)
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error of a session halted by the watchdog.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.logger.Error("session halted", zap.Error(err))
	s.Stop()
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) reconnect(ctx context.Context) error {
	if err := s.conn.Disconnect(); err != nil {
		s.logger.Debug("closing lost connection", zap.Error(err))
	}
	return s.conn.Connect(ctx)
}

// Execute runs cmd on channel through the correlator. It blocks until the
// command succeeds or exhausts its attempts and must not be called from an
// event handler; use ExecuteAsync there.
func (s *Session) Execute(ctx context.Context, channel string, cmd Command, args ...string) bool {
	if s.isStopped() {
		return false
	}
	return s.correlator.Execute(ctx, channel, cmd, args...)
}

// ExecuteAsync runs cmd on its own goroutine and reports the outcome to
// done, which may be nil. Stop waits for pending async commands, so done
// must not call Stop.
func (s *Session) ExecuteAsync(channel string, cmd Command, done func(bool), args ...string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if done != nil {
			done(false)
		}
		return
	}
	s.async.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.async.Done()
		ok := s.Execute(s.ctx, channel, cmd, args...)
		if done != nil {
			done(ok)
		}
	}()
}

// Send enqueues a chat line for channel.
func (s *Session) Send(channel, text string) error {
	if s.isStopped() {
		return ErrSessionStopped
	}
	return s.transport.Send(channel, text)
}

// SendTracked enqueues a chat line and returns its delivery handle.
func (s *Session) SendTracked(channel, text string) (*Delivery, error) {
	if s.isStopped() {
		return nil, ErrSessionStopped
	}
	return s.transport.SendTracked(channel, text)
}

// Join requests membership of channel.
func (s *Session) Join(ctx context.Context, channel string) error {
	if s.isStopped() {
		return ErrSessionStopped
	}
	return s.channels.Join(ctx, channel)
}

// Leave parts channel.
func (s *Session) Leave(ctx context.Context, channel string) error {
	if s.isStopped() {
		return ErrSessionStopped
	}
	return s.channels.Leave(ctx, channel)
}

// CreateLobby asks BanchoBot for a new match titled title.
func (s *Session) CreateLobby(ctx context.Context, title string) error {
	if s.isStopped() {
		return ErrSessionStopped
	}
	return s.channels.CreateLobby(ctx, title)
}

// ChannelID returns the numeric match id of channel, if resolved.
func (s *Session) ChannelID(channel string) (int64, bool) { return s.channels.ChannelID(channel) }

// InviteLink returns the osump:// link of channel, if resolved.
func (s *Session) InviteLink(channel string) (string, bool) { return s.channels.InviteLink(channel) }

// Lobby returns the normalised snapshot of channel.
func (s *Session) Lobby(channel string) (lobby.Snapshot, bool) { return s.normalizer.Snapshot(channel) }

// StartTimer arms a named timer that publishes TimerElapsed in scope.
func (s *Session) StartTimer(scope, name string, d time.Duration) {
	s.timers.Start(scope, name, d)
}

// StopTimer cancels a named timer.
func (s *Session) StopTimer(scope, name string) {
	s.timers.Stop(scope, name)
}

// HandleMessage processes one inbound chat line. Private messages are
// scoped to their sender.
func (s *Session) HandleMessage(sender, target, text string) {
	s.pipeline.Lock()
	defer s.pipeline.Unlock()

	s.metrics.MessageReceived()
	channel := target
	isChannel := strings.HasPrefix(target, "#")
	if !isChannel {
		channel = sender
	}
	msg := event.Message{Channel: channel, Sender: sender, Text: text}
	s.dispatch(s.ctx, event.Event{Kind: event.MessageReceived, Scope: channel, Payload: msg})

	if !strings.EqualFold(sender, BanchoBot) {
		if _, lobbyChannel := lobby.ParseMatchChannel(channel); lobbyChannel {
			s.dispatch(s.ctx, event.Event{Kind: event.LobbyMessageReceived, Scope: channel, Payload: msg})
		}
		return
	}

	s.correlator.HandleMessage(channel, text)
	if isChannel {
		s.parser.HandleLine(s.ctx, channel, text)
		return
	}
	s.channels.HandleBanchoMessage(s.ctx, text)
}

// HandleJoined processes the server's acknowledgement of our join.
func (s *Session) HandleJoined(channel string) {
	s.pipeline.Lock()
	s.channels.HandleJoined(s.ctx, channel)
	s.pipeline.Unlock()

	if _, ok := lobby.ParseMatchChannel(channel); ok {
		s.normalizer.Resync(channel)
		s.ExecuteAsync(channel, CmdSettings, nil)
	}
}

// HandleJoinFailed processes a refused join.
func (s *Session) HandleJoinFailed(channel, reason string) {
	s.pipeline.Lock()
	defer s.pipeline.Unlock()
	s.channels.HandleJoinFailed(s.ctx, channel, reason)
}

// HandleParted processes the server's acknowledgement of our part, or the
// lobby being closed.
func (s *Session) HandleParted(channel string) {
	s.pipeline.Lock()
	defer s.pipeline.Unlock()
	s.channels.HandleParted(s.ctx, channel)
	s.parser.Forget(channel)
	s.timers.StopScope(channel)
}

// HandleDisconnected signals connection loss to the watchdog.
func (s *Session) HandleDisconnected(err error) {
	if s.isStopped() {
		return
	}
	s.watchdog.ConnectionLost(err)
}

// dispatch publishes e. The caller holds the pipeline lock.
func (s *Session) dispatch(ctx context.Context, e event.Event) {
	s.dispatcher.Publish(ctx, e)
}

// publish takes the pipeline lock and publishes e.
func (s *Session) publish(e event.Event) {
	s.pipeline.Lock()
	defer s.pipeline.Unlock()
	s.dispatch(s.ctx, e)
}

func (s *Session) onMessageSent(m QueuedMessage) {
	s.publish(event.Event{
		Kind:    event.MessageSent,
		Scope:   m.Channel,
		Payload: event.Message{Channel: m.Channel, Sender: s.username, Text: m.Text},
	})
}

func (s *Session) onCommandExecuted(r CommandResult) {
	s.publish(event.Event{Kind: event.CommandExecuted, Scope: r.Channel, Payload: r})
}

func (s *Session) onTimer(scope, name string) {
	s.publish(event.Event{Kind: event.TimerElapsed, Scope: scope, Payload: event.Timer{Name: name}})
}

// logNotifier is the fallback Notifier.
type logNotifier struct {
	logger *zap.Logger
}

func (n logNotifier) Notify(title, message string) {
	n.logger.Error(title, zap.String("notification", message))
}
