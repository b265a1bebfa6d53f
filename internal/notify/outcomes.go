package notify

import (
	"context"
	"time"

	"stockwatch/internal/model"
	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

const defaultDeactivateAfter = 5

// Outcomes records delivery results against recipient health. Unregistered
// endpoints deactivate immediately; other permanent rejections deactivate
// once the consecutive-failure counter reaches the threshold. A success
// resets the counter.
type Outcomes struct {
	recipients      storage.RecipientRepo
	deactivateAfter int
	log             logx.Logger
}

func NewOutcomes(recipients storage.RecipientRepo, deactivateAfter int, log logx.Logger) *Outcomes {
	if deactivateAfter <= 0 {
		deactivateAfter = defaultDeactivateAfter
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Outcomes{recipients: recipients, deactivateAfter: deactivateAfter, log: log.With(logx.String("svc", "notify"))}
}

func (o *Outcomes) Success(ctx context.Context, id string, at time.Time) {
	if err := o.recipients.RecordSuccess(ctx, id, at); err != nil {
		o.log.Warn("record delivery success failed", logx.Err(err), logx.String("recipient", id))
	}
}

func (o *Outcomes) Failure(ctx context.Context, id string, class model.FailureClass) {
	if class == model.FailureUnregistered {
		// Counted like any other failure so the history survives a
		// later re-activation; deactivation follows unconditionally.
		if _, err := o.recipients.RecordFailure(ctx, id); err != nil {
			o.log.Warn("record delivery failure failed", logx.Err(err), logx.String("recipient", id))
		}
		if err := o.recipients.Deactivate(ctx, id); err != nil {
			o.log.Warn("deactivate failed", logx.Err(err), logx.String("recipient", id))
			return
		}
		o.log.Info("recipient deactivated (endpoint unregistered)", logx.String("recipient", id))
		return
	}

	count, err := o.recipients.RecordFailure(ctx, id)
	if err != nil {
		o.log.Warn("record delivery failure failed", logx.Err(err), logx.String("recipient", id))
		return
	}
	if count >= o.deactivateAfter {
		if err := o.recipients.Deactivate(ctx, id); err != nil {
			o.log.Warn("deactivate failed", logx.Err(err), logx.String("recipient", id))
			return
		}
		o.log.Info("recipient deactivated (failure threshold)", logx.String("recipient", id), logx.Int("failures", count))
	}
}
