package feed

import (
	"context"
	"io"
	"time"
)

// SimFrame is one scripted step of a synthetic feed.
type SimFrame struct {
	// Delay before the frame is delivered.
	Delay time.Duration
	Data  []byte
}

// SimDialer replays a fixed script of frames. It exists for dev runs and
// tests where a real upstream is unavailable; when the script runs out the
// connection reports io.EOF and, unless Loop is set, the next Dial fails the
// same way so the adapter parks in its backoff loop instead of spinning.
type SimDialer struct {
	Script []SimFrame
	Loop   bool

	used bool
}

func (d *SimDialer) Dial(ctx context.Context) (Conn, error) {
	if d.used && !d.Loop {
		return nil, io.EOF
	}
	d.used = true
	return &simConn{script: d.Script}, nil
}

type simConn struct {
	script []SimFrame
	next   int
}

func (c *simConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if c.next >= len(c.script) {
		return nil, io.EOF
	}
	f := c.script[c.next]
	c.next++
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.Delay):
		}
	}
	return f.Data, nil
}

func (c *simConn) Close() error { return nil }
