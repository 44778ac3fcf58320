package bancho

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/event"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobby"
)

// BanchoBot is the service account that answers multiplayer commands.
const BanchoBot = "BanchoBot"

// lobbyPrefix names the chat channel of a multiplayer match.
const lobbyPrefix = "#mp_"

var createdPattern = regexp.MustCompile(`^Created the tournament match https://osu\.ppy\.sh/mp/(\d+) (.*)$`)

// LobbyCreated is the payload of event.LobbyCreated.
type LobbyCreated struct {
	Channel string
	MatchID int64
	Title   string
}

// ChannelConn is the part of the connection used to enter and leave channels.
type ChannelConn interface {
	Join(channel string) error
	Part(channel string) error
}

// ChannelHandler creates, joins and leaves lobby channels, and resolves the
// numeric match id behind each one. Join and leave outcomes arrive
// asynchronously through the Handle* methods.
type ChannelHandler struct {
	conn      ChannelConn
	transport *Transport
	publish   event.Publisher
	logger    *zap.Logger

	mu     sync.Mutex
	joined map[string]string
	ids    map[string]int64
}

// NewChannelHandler creates a ChannelHandler.
//
// Precondition: all arguments must be non-nil.
func NewChannelHandler(conn ChannelConn, transport *Transport, publish event.Publisher, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{
		conn:      conn,
		transport: transport,
		publish:   publish,
		logger:    logger,
		joined:    make(map[string]string),
		ids:       make(map[string]int64),
	}
}

// Join asks the server to join name. The outcome is reported by
// ChannelJoined or ChannelJoinFailure.
func (h *ChannelHandler) Join(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.conn.Join(name); err != nil {
		return fmt.Errorf("joining %s: %w", name, err)
	}
	h.logger.Debug("join requested", zap.String("channel", name))
	return nil
}

// Leave asks the server to part name. ChannelLeft follows on acknowledgement.
func (h *ChannelHandler) Leave(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.conn.Part(name); err != nil {
		return fmt.Errorf("leaving %s: %w", name, err)
	}
	h.logger.Debug("part requested", zap.String("channel", name))
	return nil
}

// CreateLobby asks BanchoBot to create a match titled title. LobbyCreated is
// published once BanchoBot confirms; the server then joins the new channel.
func (h *ChannelHandler) CreateLobby(ctx context.Context, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("creating lobby: empty title")
	}
	if err := h.transport.Send(BanchoBot, "!mp make "+title); err != nil {
		return fmt.Errorf("creating lobby %q: %w", title, err)
	}
	return nil
}

// HandleBanchoMessage inspects a private message from BanchoBot for a match
// creation acknowledgement.
//
// Postcondition: Returns true iff the message announced a new lobby.
func (h *ChannelHandler) HandleBanchoMessage(ctx context.Context, text string) bool {
	m := createdPattern.FindStringSubmatch(text)
	if m == nil {
		return false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return false
	}
	channel := lobbyPrefix + m[1]
	h.mu.Lock()
	h.ids[channelKey(channel)] = id
	h.mu.Unlock()

	h.logger.Info("lobby created", zap.String("channel", channel), zap.String("title", m[2]))
	h.publish(ctx, event.Event{
		Kind:    event.LobbyCreated,
		Scope:   channel,
		Payload: LobbyCreated{Channel: channel, MatchID: id, Title: m[2]},
	})
	return true
}

// HandleJoined records a successful join acknowledgement.
func (h *ChannelHandler) HandleJoined(ctx context.Context, channel string) {
	key := channelKey(channel)
	h.mu.Lock()
	h.joined[key] = channel
	if id, ok := lobby.ParseMatchChannel(channel); ok {
		h.ids[key] = id
	}
	h.mu.Unlock()

	h.logger.Info("joined channel", zap.String("channel", channel))
	h.publish(ctx, event.Event{Kind: event.ChannelJoined, Scope: channel})
}

// HandleJoinFailed records a refused join. The failure is not fatal; the
// subscriber decides whether to retry.
func (h *ChannelHandler) HandleJoinFailed(ctx context.Context, channel, reason string) {
	h.logger.Warn("join failed", zap.Error(&JoinError{Channel: channel, Reason: reason}))
	h.publish(ctx, event.Event{
		Kind:    event.ChannelJoinFailure,
		Scope:   channel,
		Payload: event.JoinFailure{Channel: channel, Reason: reason},
	})
}

// HandleParted records that the session left channel.
func (h *ChannelHandler) HandleParted(ctx context.Context, channel string) {
	key := channelKey(channel)
	h.mu.Lock()
	_, was := h.joined[key]
	delete(h.joined, key)
	delete(h.ids, key)
	h.mu.Unlock()

	if !was {
		return
	}
	h.logger.Info("left channel", zap.String("channel", channel))
	h.publish(ctx, event.Event{Kind: event.ChannelLeft, Scope: channel})
}

// ChannelID returns the numeric match id of name, if resolved.
func (h *ChannelHandler) ChannelID(name string) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.ids[channelKey(name)]
	return id, ok
}

// InviteLink returns the osump:// deep link for name, if its id is resolved.
func (h *ChannelHandler) InviteLink(name string) (string, bool) {
	id, ok := h.ChannelID(name)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("osump://%d/", id), true
}

// Joined returns the currently joined channels in sorted order.
func (h *ChannelHandler) Joined() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.joined))
	for _, name := range h.joined {
		out = append(out, name)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}

// RejoinAll re-issues a join for every channel joined before a reconnect.
//
// Postcondition: Returns the first join error; remaining channels are still attempted.
func (h *ChannelHandler) RejoinAll(ctx context.Context) error {
	var first error
	for _, name := range h.Joined() {
		if err := h.Join(ctx, name); err != nil {
			h.logger.Warn("rejoin failed", zap.String("channel", name), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
