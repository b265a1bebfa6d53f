package provider

import (
	"context"
	"errors"
	"testing"

	tele "gopkg.in/telebot.v4"

	"stockwatch/internal/model"
)

func TestClassifyStatusErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		code int
		want Class
	}{
		{name: "rate limited", code: 429, want: ClassTransient},
		{name: "timeout", code: 408, want: ClassTransient},
		{name: "server error", code: 503, want: ClassTransient},
		{name: "bad request", code: 400, want: ClassPermanent},
		{name: "gone", code: 410, want: ClassPermanent},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(&StatusError{Code: tt.code})
			if got != tt.want {
				t.Fatalf("Classify(http %d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestClassifyContextAndUnknown(t *testing.T) {
	t.Parallel()
	if Classify(context.DeadlineExceeded) != ClassTransient {
		t.Fatal("deadline exceeded should be transient")
	}
	if Classify(errors.New("connection reset")) != ClassTransient {
		t.Fatal("unknown errors should be transient (bounded retries)")
	}
}

func TestClassifyTelebotErrors(t *testing.T) {
	t.Parallel()
	// telebot.v4 keeps FloodError's inner *Error unexported, so it cannot be
	// set here; Classify matches flood errors by type only.
	flood := &tele.FloodError{RetryAfter: 5}
	if Classify(flood) != ClassTransient {
		t.Fatal("flood error should be transient")
	}
	if Classify(&tele.Error{Code: 400, Description: "Bad Request: chat not found"}) != ClassPermanent {
		t.Fatal("telegram API error should be permanent at batch level")
	}
}

func TestTelegramRejection(t *testing.T) {
	t.Parallel()
	cls, ok := telegramRejection(&tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"})
	if !ok || cls != model.FailureUnregistered {
		t.Fatalf("blocked user: got (%v, %v)", cls, ok)
	}
	cls, ok = telegramRejection(&tele.Error{Code: 400, Description: "Bad Request: chat not found"})
	if !ok || cls != model.FailureUnregistered {
		t.Fatalf("chat not found: got (%v, %v)", cls, ok)
	}
	if _, ok := telegramRejection(&tele.Error{Code: 401, Description: "Unauthorized"}); ok {
		t.Fatal("bad token must not be a per-recipient rejection")
	}
	if _, ok := telegramRejection(errors.New("dial tcp: timeout")); ok {
		t.Fatal("network errors are batch-level")
	}
}
