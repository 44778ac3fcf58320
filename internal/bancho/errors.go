// Package bancho implements the session runtime that drives multiplayer
// lobbies over Bancho's chat protocol: rate-limited outbound transport,
// command/response correlation, channel handling, connection watchdog and
// the Session composition root.
package bancho

import (
	"errors"
	"fmt"
)

// ErrTransportStopped is reported for sends rejected or discarded because the
// transport has been stopped.
var ErrTransportStopped = errors.New("transport stopped")

// ErrQueueFull is returned when a bounded outbound queue is at capacity.
var ErrQueueFull = errors.New("outbound queue full")

// ErrConnectionLost is the terminal error of a session whose reconnect
// attempts were exhausted. The session must be restarted by an operator.
var ErrConnectionLost = errors.New("connection lost: reconnect attempts exhausted")

// ErrSessionStopped is returned by operations on a stopped session.
var ErrSessionStopped = errors.New("session stopped")

// ValidationError reports an outbound message rejected before enqueue.
type ValidationError struct {
	Channel string
	Length  int
	Limit   int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message to %s is %d characters, limit is %d", e.Channel, e.Length, e.Limit)
}

// JoinError describes a channel the server refused to join.
type JoinError struct {
	Channel string
	Reason  string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("joining %s: %s", e.Channel, e.Reason)
}
