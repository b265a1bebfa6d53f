package notify

import (
	"context"
	"fmt"
	"time"

	"stockwatch/internal/model"
	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

// Filter resolves which recipients want to hear about an item, partitioned
// by delivery channel. The preference precedence itself lives in the
// recipient repository's ForKey query; the filter adds key construction,
// aliasing and the partition.
type Filter struct {
	recipients storage.RecipientRepo
	aliases    Aliases
	log        logx.Logger
}

func NewFilter(recipients storage.RecipientRepo, aliases Aliases, log logx.Logger) *Filter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Filter{recipients: recipients, aliases: aliases, log: log.With(logx.String("svc", "notify"))}
}

// TargetsForItem returns eligible targets for one item appearance, keyed by
// channel. Order within a channel is stable (repository orders by id).
func (f *Filter) TargetsForItem(ctx context.Context, category, itemID string) (map[string][]model.Target, error) {
	targets, err := f.recipients.ForKey(ctx, ItemKey(itemID), CategoryKey(category))
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}
	byChannel := make(map[string][]model.Target)
	for _, t := range targets {
		byChannel[t.Channel] = append(byChannel[t.Channel], t)
	}
	return byChannel, nil
}

// RateLimitedError reports a preference update rejected by the per-recipient
// rate limit. SecondsRemaining is how long until the next attempt may pass.
type RateLimitedError struct {
	SecondsRemaining int
	LastUpdateAt     time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("preference update rate limited; retry in %ds", e.SecondsRemaining)
}

// UpdatePreferences canonicalizes and validates the given keys, applies the
// per-recipient rate limit, then persists the merged preference set.
// Unknown keys fail the whole update; nothing is written.
func (f *Filter) UpdatePreferences(ctx context.Context, id string, prefs map[string]bool, minInterval time.Duration) error {
	canonical := make(map[string]bool, len(prefs))
	for key, want := range prefs {
		ck, err := f.aliases.Canonical(key)
		if err != nil {
			return err
		}
		canonical[ck] = want
	}

	if minInterval > 0 {
		dec, err := f.recipients.CheckPrefRateLimit(ctx, id, minInterval, time.Now())
		if err != nil {
			return fmt.Errorf("preference rate limit: %w", err)
		}
		if !dec.Allowed {
			return &RateLimitedError{SecondsRemaining: dec.SecondsRemaining, LastUpdateAt: dec.LastUpdateAt}
		}
	}

	r, err := f.recipients.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if r.Preferences == nil {
		r.Preferences = make(map[string]bool, len(canonical))
	}
	for key, want := range canonical {
		r.Preferences[key] = want
	}
	if err := f.recipients.Upsert(ctx, r); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	f.log.Info("preferences updated", logx.String("recipient", id), logx.Int("keys", len(canonical)))
	return nil
}
