// Package feed ingests item-availability updates from upstream real-time
// feeds. Each adapter owns one feed connection, decodes raw frames into
// canonical stock events, and emits them without ever letting downstream
// backpressure block the read loop.
//
// Wire formats live behind the Dialer/Conn/Codec seams; the rest of the
// pipeline only ever sees model.StockEvent.
package feed

import (
	"context"
	"time"

	"stockwatch/internal/model"
)

// State is the adapter connection state.
//
// Transitions:
//
//	Disconnected -> Connecting        (reconnect scheduled)
//	Connecting   -> Connected         (handshake ok)
//	Connecting   -> Disconnected      (dial failed; capped backoff)
//	Connected    -> Disconnected      (socket error/close)
//	Connected    -> Degraded          (N consecutive decode failures)
//	Degraded     -> Connected         (a frame decodes again)
//	Degraded     -> Disconnected      (degraded timeout forces reconnect)
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Dialer establishes one feed session.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn yields raw frames from an established session. ReadFrame blocks until
// a frame arrives, the session breaks, or ctx is done.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Codec decodes one raw frame into a canonical event.
type Codec interface {
	Decode(frame []byte) (model.StockEvent, error)
}

// Config tunes one adapter. Name doubles as the event SourceID.
type Config struct {
	Name     string
	Priority int

	QueueSize      int
	ParseFailLimit int
	// DegradedTimeout forces a reconnect after staying Degraded this long.
	DegradedTimeout time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ParseFailLimit <= 0 {
		c.ParseFailLimit = 5
	}
	if c.DegradedTimeout <= 0 {
		c.DegradedTimeout = 30 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Health is a point-in-time view of one adapter, used by the reconciler's
// staleness takeover rule and the ops snapshot.
type Health struct {
	Name        string    `json:"name"`
	Priority    int       `json:"priority"`
	State       string    `json:"state"`
	LastEventAt time.Time `json:"last_event_at"`
	Dropped     uint64    `json:"dropped"`
	ParseFails  uint64    `json:"parse_fails"`
	Reconnects  uint64    `json:"reconnects"`
}
