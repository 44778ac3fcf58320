package irc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
)

var (
	// ErrNotConnected is returned by writes while no connection is registered.
	ErrNotConnected = errors.New("irc: not connected")
	// ErrLoginRejected is returned by Connect when the server refuses the password.
	ErrLoginRejected = errors.New("irc: login rejected")
)

const defaultDialTimeout = 15 * time.Second

// Handler receives inbound traffic. Methods are called from the client's
// read goroutine, one at a time.
type Handler interface {
	HandleMessage(sender, target, text string)
	HandleJoined(channel string)
	HandleJoinFailed(channel, reason string)
	HandleParted(channel string)
	HandleDisconnected(err error)
}

type noopHandler struct{}

func (noopHandler) HandleMessage(string, string, string) {}
func (noopHandler) HandleJoined(string)                  {}
func (noopHandler) HandleJoinFailed(string, string)      {}
func (noopHandler) HandleParted(string)                  {}
func (noopHandler) HandleDisconnected(error)             {}

// Client is a single Bancho IRC connection that can be re-established.
// Each successful Connect starts a read goroutine tagged with a generation
// number; loss reports from older generations are discarded.
type Client struct {
	cfg    config.BanchoConfig
	nick   string
	logger *zap.Logger
	dialer net.Dialer

	mu      sync.Mutex
	conn    *Conn
	gen     uint64
	handler Handler
}

// NewClient creates a disconnected client.
//
// Precondition: cfg must have passed config validation; logger must not be nil.
// Postcondition: Returns a client whose handler discards all traffic until SetHandler.
func NewClient(cfg config.BanchoConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		nick:    NickFor(cfg.Username),
		logger:  logger.With(zap.String("component", "irc")),
		dialer:  net.Dialer{Timeout: defaultDialTimeout},
		handler: noopHandler{},
	}
}

// SetHandler installs h as the receiver of inbound traffic.
//
// Precondition: h must not be nil.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Nick returns the nick used on the wire.
func (c *Client) Nick() string { return c.nick }

// Connect dials the server, registers and waits for the welcome numeric.
// An existing connection is closed first.
//
// Postcondition: On nil error the client is connected and reading.
func (c *Client) Connect(ctx context.Context) error {
	_ = c.Disconnect()

	raw, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.Addr(), err)
	}
	conn := NewConn(raw, c.cfg.ReadTimeout, c.cfg.WriteTimeout)

	if err := c.register(ctx, conn); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("addr", c.cfg.Addr()), zap.String("nick", c.nick))
	go c.readLoop(conn, gen)
	return nil
}

// register performs the PASS/NICK/USER handshake.
func (c *Client) register(ctx context.Context, conn *Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, line := range []string{
		CmdPass + " " + c.cfg.Password,
		CmdNick + " " + c.nick,
		fmt.Sprintf("%s %s 0 * :%s", CmdUser, c.nick, c.nick),
	} {
		if err := conn.WriteLine(line); err != nil {
			return fmt.Errorf("sending registration: %w", err)
		}
	}

	for {
		line, err := conn.ReadLine()
		if err != nil {
			return fmt.Errorf("awaiting welcome: %w", err)
		}
		msg, err := ParseMessage(line)
		if err != nil {
			continue
		}
		switch msg.Command {
		case RplWelcome:
			return nil
		case ErrPasswdMismatch:
			return fmt.Errorf("%w: %s", ErrLoginRejected, msg.Trailing())
		case ErrErroneousNick, ErrNicknameInUse:
			return fmt.Errorf("nick %q refused: %s", c.nick, msg.Trailing())
		case CmdError:
			return fmt.Errorf("server closed registration: %s", msg.Trailing())
		case CmdPing:
			_ = conn.WriteLine(Message{Command: CmdPong, Params: msg.Params}.String())
		}
	}
}

// Disconnect sends QUIT and closes the connection. The read goroutine's
// loss report is suppressed.
//
// Postcondition: Connected() returns false.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteLine(CmdQuit)
	return conn.Close()
}

// Connected reports whether a registered connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendMessage sends a PRIVMSG to a channel or user.
//
// Precondition: text must not contain line breaks.
// Postcondition: Returns ErrNotConnected when there is no connection.
func (c *Client) SendMessage(target, text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("message to %s contains a line break", target)
	}
	return c.write(Message{Command: CmdPrivmsg, Params: []string{target, text}}.String())
}

// Join requests membership of channel. The outcome arrives through the handler.
func (c *Client) Join(channel string) error {
	return c.write(CmdJoin + " " + channel)
}

// Part leaves channel. The acknowledgement arrives through the handler.
func (c *Client) Part(channel string) error {
	return c.write(CmdPart + " " + channel)
}

func (c *Client) write(line string) error {
	c.mu.Lock()
	conn, gen := c.conn, c.gen
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteLine(line); err != nil {
		c.lost(gen, fmt.Errorf("writing: %w", err))
		return err
	}
	return nil
}

func (c *Client) readLoop(conn *Conn, gen uint64) {
	for {
		line, err := conn.ReadLine()
		if err != nil {
			c.lost(gen, err)
			return
		}
		msg, err := ParseMessage(line)
		if err != nil {
			continue
		}
		c.dispatch(conn, msg)
	}
}

// lost tears down the connection of generation gen and reports it once.
func (c *Client) lost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	h := c.handler
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("connection lost", zap.Error(err))
	h.HandleDisconnected(err)
}

func (c *Client) currentHandler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *Client) dispatch(conn *Conn, msg Message) {
	h := c.currentHandler()
	switch msg.Command {
	case CmdPing:
		if err := conn.WriteLine(Message{Command: CmdPong, Params: msg.Params}.String()); err != nil {
			c.logger.Debug("pong failed", zap.Error(err))
		}
	case CmdPrivmsg:
		if len(msg.Params) < 2 {
			return
		}
		h.HandleMessage(msg.Nick(), msg.Param(0), msg.Trailing())
	case CmdJoin:
		if c.isSelf(msg.Nick()) {
			h.HandleJoined(msg.Param(0))
		}
	case CmdPart:
		if c.isSelf(msg.Nick()) {
			h.HandleParted(msg.Param(0))
		}
	case ErrNoSuchChannel, ErrChannelIsFull, ErrInviteOnlyChan, ErrBannedFromChan, ErrBadChannelKey:
		h.HandleJoinFailed(msg.Param(1), msg.Trailing())
	case CmdError:
		c.logger.Warn("server error", zap.String("reason", msg.Trailing()))
	}
}

func (c *Client) isSelf(nick string) bool {
	return strings.EqualFold(nick, c.nick)
}
