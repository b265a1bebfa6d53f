package feed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"
)

func TestJSONCodecDecode(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	valid, _ := json.Marshal(map[string]any{
		"category": "seeds",
		"at":       at,
		"items": []map[string]any{
			{"id": "carrot", "name": "Carrot", "quantity": 12},
		},
	})

	tests := []struct {
		name    string
		frame   string
		wantErr bool
	}{
		{name: "valid", frame: string(valid)},
		{name: "malformed json", frame: `{"category":`, wantErr: true},
		{name: "missing category", frame: `{"items":[{"id":"x"}]}`, wantErr: true},
		{name: "item without id", frame: `{"category":"seeds","items":[{"name":"x"}]}`, wantErr: true},
		{name: "empty items", frame: `{"category":"seeds","items":[]}`},
	}

	var codec JSONCodec
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := codec.Decode([]byte(tc.frame))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Decode(%q): expected error, got %+v", tc.frame, ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q): %v", tc.frame, err)
			}
			if ev.Category != "seeds" {
				t.Fatalf("category = %q, want %q", ev.Category, "seeds")
			}
			for _, it := range ev.Items {
				if it.Category != ev.Category {
					t.Fatalf("item %q category = %q, want frame category", it.ID, it.Category)
				}
				if !it.ObservedAt.Equal(ev.At) {
					t.Fatalf("item %q observed_at = %v, want %v", it.ID, it.ObservedAt, ev.At)
				}
			}
		})
	}
}

// chanConn feeds frames from a channel so tests control the read loop
// frame by frame.
type chanConn struct {
	frames chan []byte
}

func (c *chanConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-c.frames:
		if !ok {
			return nil, context.Canceled
		}
		return f, nil
	}
}

func (c *chanConn) Close() error { return nil }

type chanDialer struct {
	conn *chanConn
}

func (d *chanDialer) Dial(ctx context.Context) (Conn, error) { return d.conn, nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAdapterDegradesAndRecovers(t *testing.T) {
	t.Parallel()

	conn := &chanConn{frames: make(chan []byte, 8)}
	a := NewAdapter(Config{
		Name:           "primary",
		Priority:       10,
		ParseFailLimit: 2,
	}, &chanDialer{conn: conn}, JSONCodec{}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	waitFor(t, "connected", func() bool { return a.State() == Connected })

	conn.frames <- []byte("garbage")
	conn.frames <- []byte("more garbage")
	waitFor(t, "degraded", func() bool { return a.State() == Degraded })

	conn.frames <- []byte(`{"category":"eggs","items":[{"id":"golden","quantity":1}]}`)
	waitFor(t, "recovered", func() bool { return a.State() == Connected })

	select {
	case ev := <-a.Events():
		if ev.Category != "eggs" || ev.SourceID != "primary" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.At.IsZero() {
			t.Fatal("event timestamp not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event emitted after recovery")
	}

	if h := a.Health(); h.ParseFails != 2 {
		t.Fatalf("parse fails = %d, want 2", h.ParseFails)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if a.State() != Disconnected {
		t.Fatalf("state after stop = %v, want Disconnected", a.State())
	}
}

func TestAdapterDropsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	a := NewAdapter(Config{Name: "burst", QueueSize: 2}, nil, JSONCodec{}, logx.Nop())
	for _, id := range []string{"a", "b", "c", "d"} {
		a.emit(model.StockEvent{Category: id, SourceID: "burst", At: time.Now()})
	}

	var got []string
	for {
		select {
		case ev := <-a.Events():
			got = append(got, ev.Category)
			continue
		default:
		}
		break
	}
	if len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Fatalf("queued = %v, want [c d]", got)
	}
	if h := a.Health(); h.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2", h.Dropped)
	}
}
