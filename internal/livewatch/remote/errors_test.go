package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		err      error
		expected string
	}{
		{name: "success", status: 200, expected: "success"},
		{name: "no response and no error", status: 0, expected: "success"},
		{name: "too many requests", status: 429, err: errors.New("slow down"), expected: "rate_limited"},
		{name: "too many requests without error", status: 429, expected: "rate_limited"},
		{name: "unauthorized", status: 401, err: errors.New("bad token"), expected: "unauthorized"},
		{name: "forbidden", status: 403, expected: "unauthorized"},
		{name: "server error", status: 503, err: errors.New("unavailable"), expected: "transient"},
		{name: "unexpected status without error", status: 302, expected: "transient"},
		{name: "network error", status: 0, err: errors.New("connection refused"), expected: "transient"},
		{name: "already rate limited", status: 0, err: fmt.Errorf("page 2: %w", ErrRateLimited), expected: "rate_limited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(Classify("list incidents", tt.status, tt.err)); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestClassifyKeepsCause(t *testing.T) {
	err := Classify("count incidents", 0, context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected classified error to wrap context.Canceled, got %v", err)
	}
	var transient *TransientError
	if !errors.As(err, &transient) || transient.Op != "count incidents" {
		t.Errorf("expected a TransientError for count incidents, got %#v", err)
	}

	again := Classify("outer", 500, err)
	if again != err {
		t.Errorf("expected an already classified error to pass through, got %v", again)
	}
}
