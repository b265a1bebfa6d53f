package suppress

import (
	"context"
	"testing"
	"time"

	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

func newMemHistory(t *testing.T) storage.HistoryRepo {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st.History()
}

func TestAllowThreshold(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		window    time.Duration
		threshold int
		// each step: offset from base, quantity, want allowed
		steps []struct {
			offset time.Duration
			qty    int
			want   bool
		}
	}{
		{
			name:      "third identical appearance suppressed",
			window:    7 * time.Minute,
			threshold: 2,
			steps: []struct {
				offset time.Duration
				qty    int
				want   bool
			}{
				{0, 5, true},
				{time.Minute, 5, true},
				{2 * time.Minute, 5, false},
			},
		},
		{
			name:      "quantity change re-opens",
			window:    7 * time.Minute,
			threshold: 2,
			steps: []struct {
				offset time.Duration
				qty    int
				want   bool
			}{
				{0, 5, true},
				{time.Minute, 5, true},
				{2 * time.Minute, 5, false},
				{3 * time.Minute, 9, true},
			},
		},
		{
			name:      "window expiry re-opens",
			window:    5 * time.Minute,
			threshold: 2,
			steps: []struct {
				offset time.Duration
				qty    int
				want   bool
			}{
				{0, 5, true},
				{time.Minute, 5, true},
				{10 * time.Minute, 5, true},
			},
		},
		{
			name:      "threshold one suppresses repeats immediately",
			window:    7 * time.Minute,
			threshold: 1,
			steps: []struct {
				offset time.Duration
				qty    int
				want   bool
			}{
				{0, 3, true},
				{time.Second, 3, false},
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := New(Config{Window: tc.window, Threshold: tc.threshold}, newMemHistory(t), logx.Nop())
			for i, step := range tc.steps {
				got := s.Allow("seeds", "carrot", step.qty, base.Add(step.offset))
				if got != step.want {
					t.Fatalf("step %d: Allow = %v, want %v", i, got, step.want)
				}
			}
		})
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	t.Parallel()

	s := New(Config{Window: 7 * time.Minute, Threshold: 1}, newMemHistory(t), logx.Nop())
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if !s.Allow("seeds", "carrot", 5, at) {
		t.Fatal("first carrot appearance should be allowed")
	}
	if s.Allow("seeds", "carrot", 5, at.Add(time.Second)) {
		t.Fatal("repeat carrot appearance should be suppressed")
	}
	if !s.Allow("seeds", "tomato", 5, at.Add(time.Second)) {
		t.Fatal("different item must not share carrot's history")
	}
	if !s.Allow("gear", "carrot", 5, at.Add(time.Second)) {
		t.Fatal("different category must not share carrot's history")
	}
}

func TestReplayRestoresHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hist := newMemHistory(t)
	now := time.Now()
	for _, off := range []time.Duration{-2 * time.Minute, -time.Minute} {
		if err := hist.Append(ctx, storage.Appearance{Category: "seeds", ItemID: "carrot", Quantity: 5, At: now.Add(off)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	s := New(Config{Window: 7 * time.Minute, Threshold: 2}, hist, logx.Nop())
	if err := s.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if s.Allow("seeds", "carrot", 5, now) {
		t.Fatal("appearance should be suppressed by replayed history")
	}
	if !s.Allow("seeds", "carrot", 9, now) {
		t.Fatal("new quantity should be allowed despite replayed history")
	}
}

func TestResetClearsCategories(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Config{Window: 7 * time.Minute, Threshold: 1}, newMemHistory(t), logx.Nop())
	at := time.Now()

	s.Allow("eggs", "golden", 1, at)
	s.Allow("seeds", "carrot", 5, at)

	if err := s.Reset(ctx, []string{"eggs"}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !s.Allow("eggs", "golden", 1, at.Add(time.Second)) {
		t.Fatal("reset category should announce again")
	}
	if s.Allow("seeds", "carrot", 5, at.Add(time.Second)) {
		t.Fatal("untouched category should keep its history")
	}
}

func TestWriterPersistsAllowedAppearances(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	hist := newMemHistory(t)
	s := New(Config{}, hist, logx.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	at := time.Now()
	s.Allow("seeds", "carrot", 5, at)
	s.Allow("seeds", "tomato", 2, at)

	cancel()
	<-done

	rows, err := hist.Load(context.Background(), at.Add(-time.Minute))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("persisted rows = %d, want 2", len(rows))
	}
}

func TestRetune(t *testing.T) {
	t.Parallel()

	s := New(Config{Window: 7 * time.Minute, Threshold: 5}, newMemHistory(t), logx.Nop())
	at := time.Now()
	for i := 0; i < 4; i++ {
		if !s.Allow("seeds", "carrot", 5, at.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("appearance %d should pass under threshold 5", i)
		}
	}
	s.Retune(Config{Window: 7 * time.Minute, Threshold: 2})
	if s.Allow("seeds", "carrot", 5, at.Add(5*time.Second)) {
		t.Fatal("lowered threshold should suppress")
	}
}
