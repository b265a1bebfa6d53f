// Package provider abstracts notification transports behind one bulk-send
// contract. A provider accepts a batch of recipient identifiers plus message
// content; it reports per-recipient rejections for accepted calls and returns
// an error for batch-level failures (which the dispatcher classifies).
package provider

import (
	"context"
	"fmt"

	"stockwatch/internal/model"
)

// Batch is one provider call's worth of work.
type Batch struct {
	Recipients []string
	Title      string
	Body       string
	Payload    map[string]string
}

// Rejection is a per-recipient permanent failure inside an otherwise
// accepted call.
type Rejection struct {
	RecipientID string
	Class       model.FailureClass
}

// Result reports the outcome of an accepted provider call. Recipients not
// listed in Rejected were delivered.
type Result struct {
	Rejected []Rejection
}

type Provider interface {
	Name() string
	// BatchLimit is the provider's maximum recipients per call; the
	// dispatcher never exceeds it. Zero means no provider-side limit.
	BatchLimit() int
	Send(ctx context.Context, b Batch) (Result, error)
}

// StatusError is a batch-level HTTP failure surfaced by a provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("provider: http %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("provider: http %d", e.Code)
}
