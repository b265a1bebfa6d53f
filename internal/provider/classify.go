package provider

import (
	"context"
	"errors"
	"net"

	tele "gopkg.in/telebot.v4"
)

// Class partitions batch-level provider errors for the retry policy.
type Class int

const (
	// ClassTransient covers timeouts, rate limits and 5xx-class errors;
	// the dispatcher retries these with increasing backoff.
	ClassTransient Class = iota
	// ClassPermanent covers failures that retrying cannot fix; the chunk
	// is failed once and its recipients forwarded to the outcome handler.
	ClassPermanent
)

// Classify maps a batch-level send error to a retry class.
//
// Unknown errors classify as transient: the retry budget is bounded, and
// prematurely declaring a flaky provider permanent would deactivate healthy
// recipients.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}

	var fe *tele.FloodError
	if errors.As(err, &fe) {
		return ClassTransient
	}
	var te *tele.Error
	if errors.As(err, &te) {
		// Telegram API errors other than flood control are request-shaped
		// problems; retrying the same call cannot help.
		return ClassPermanent
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 408, se.Code == 429:
			return ClassTransient
		case se.Code >= 500:
			return ClassTransient
		default:
			return ClassPermanent
		}
	}

	return ClassTransient
}
