package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/remote"
)

type fakeChecker struct {
	mu        sync.Mutex
	calls     int
	abilities model.Abilities
	err       error
	block     chan struct{}
}

func (c *fakeChecker) CheckAbilities(ctx context.Context) (model.Abilities, error) {
	c.mu.Lock()
	c.calls++
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abilities, c.err
}

func newTestMonitor(checker AbilityChecker) *Monitor {
	return NewMonitor(checker, logrus.NewEntry(logrus.New()))
}

var (
	errRateLimited  = fmt.Errorf("list incidents: %w", remote.ErrRateLimited)
	errUnauthorized = fmt.Errorf("list incidents: %w", remote.ErrUnauthorized)
	errTransient    = &remote.TransientError{Op: "list incidents", StatusCode: 502, Err: errors.New("bad gateway")}
)

func TestObserveTransitions(t *testing.T) {
	tests := []struct {
		name     string
		from     Phase
		begin    bool
		err      error
		expected Phase
	}{
		{name: "dormant success connects", from: Dormant, err: nil, expected: Connected},
		{name: "check success connects", from: Connected, begin: true, err: nil, expected: Connected},
		{name: "rate limited degrades", from: Connected, err: errRateLimited, expected: Degraded},
		{name: "rate limited during check degrades", from: Dormant, begin: true, err: errRateLimited, expected: Degraded},
		{name: "unauthorized", from: Connected, err: errUnauthorized, expected: Unauthorized},
		{name: "unauthorized while degraded", from: Degraded, err: errUnauthorized, expected: Unauthorized},
		{name: "transient while connected is ignored", from: Connected, err: errTransient, expected: Connected},
		{name: "transient during check degrades", from: Dormant, begin: true, err: errTransient, expected: Degraded},
		{name: "success while degraded stays degraded", from: Degraded, err: nil, expected: Degraded},
		{name: "cancellation during check is ignored", from: Dormant, begin: true, err: context.Canceled, expected: Connecting},
		{name: "recheck from unauthorized", from: Unauthorized, begin: true, err: nil, expected: Connected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(&fakeChecker{})
			m.state = State{Phase: tt.from}
			if tt.begin {
				m.BeginCheck()
			}
			m.Observe(tt.err)
			if got := m.Current().Phase; got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		phase       Phase
		expectError bool
	}{
		{phase: Dormant},
		{phase: Connecting},
		{phase: Connected},
		{phase: Degraded, expectError: true},
		{phase: Unauthorized, expectError: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			m := newTestMonitor(&fakeChecker{})
			m.state = State{Phase: tt.phase, Reason: "test"}
			err := m.Ready()
			if tt.expectError && !errors.Is(err, ErrNotReady) {
				t.Errorf("expected ErrNotReady, got %v", err)
			}
			if !tt.expectError && err != nil {
				t.Errorf("expected no error but got: %v", err)
			}
		})
	}
}

func TestSubscribersSeeWholeStates(t *testing.T) {
	m := newTestMonitor(&fakeChecker{})
	var seen []Phase
	m.Subscribe(func(state State) {
		if state.Since.IsZero() {
			t.Errorf("state %s published without a timestamp", state.Phase)
		}
		seen = append(seen, state.Phase)
	})

	m.BeginCheck()
	m.Observe(nil)
	m.Observe(nil)
	m.Observe(errRateLimited)
	m.Observe(errRateLimited)

	if diff := cmp.Diff([]Phase{Connecting, Connected, Degraded}, seen); diff != "" {
		t.Errorf("unexpected transitions (-want +got):\n%s", diff)
	}
}

func TestCheckRecordsAbilitiesOnce(t *testing.T) {
	checker := &fakeChecker{abilities: model.NewAbilities(model.AbilityRead, model.AbilityTeams)}
	m := newTestMonitor(checker)

	if _, known := m.Abilities(); known {
		t.Fatalf("abilities should be unknown before the first check")
	}

	abilities, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !abilities.Has(model.AbilityTeams) {
		t.Errorf("expected teams ability, got %v", abilities.List())
	}
	if m.Current().Phase != Connected {
		t.Errorf("expected Connected after a successful check, got %s", m.Current().Phase)
	}

	checker.mu.Lock()
	checker.abilities = model.NewAbilities(model.AbilityRead)
	checker.mu.Unlock()
	if _, err := m.Check(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, known := m.Abilities()
	if !known || !stored.Has(model.AbilityTeams) {
		t.Errorf("expected abilities of the first check to be kept, got %v", stored.List())
	}
}

func TestCheckFailure(t *testing.T) {
	checker := &fakeChecker{err: errUnauthorized}
	m := newTestMonitor(checker)

	if _, err := m.Check(context.Background()); !remote.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if m.Current().Phase != Unauthorized {
		t.Errorf("expected Unauthorized, got %s", m.Current().Phase)
	}
	if _, known := m.Abilities(); known {
		t.Errorf("a failed check must not record abilities")
	}
}

func TestConcurrentChecksShareOneRequest(t *testing.T) {
	checker := &fakeChecker{abilities: model.NewAbilities(model.AbilityRead), block: make(chan struct{})}
	m := newTestMonitor(checker)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Check(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	// give all callers time to join the check in flight
	time.Sleep(50 * time.Millisecond)
	close(checker.block)
	wg.Wait()

	checker.mu.Lock()
	defer checker.mu.Unlock()
	if checker.calls != 1 {
		t.Errorf("expected one check, got %d", checker.calls)
	}
}
