package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"stockwatch/internal/model"
	"stockwatch/internal/notify"
	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

func TestUpdatePreferencesUsesConfiguredInterval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	repo := st.Recipients()
	if err := repo.Upsert(ctx, model.Recipient{ID: "alice", Channel: "push", Active: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	a := &App{
		filter:       notify.NewFilter(repo, nil, logx.Nop()),
		prefInterval: time.Minute,
	}

	if err := a.UpdatePreferences(ctx, "alice", map[string]bool{"item:carrot": true}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	var rl *notify.RateLimitedError
	if err := a.UpdatePreferences(ctx, "alice", map[string]bool{"item:carrot": false}); !errors.As(err, &rl) {
		t.Fatalf("second update err = %v, want RateLimitedError", err)
	}
	if rl.SecondsRemaining <= 0 || rl.SecondsRemaining > 60 {
		t.Fatalf("seconds remaining = %d", rl.SecondsRemaining)
	}
}

func TestUpdatePreferencesBeforeRun(t *testing.T) {
	t.Parallel()

	var a App
	if err := a.UpdatePreferences(context.Background(), "alice", map[string]bool{"item:carrot": true}); err == nil {
		t.Fatal("update before Run must fail")
	}
}
