package remote

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
)

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (s *countingSource) CountIncidents(context.Context, model.Query) (int, error) {
	s.calls.Add(1)
	return 7, s.err
}

func (s *countingSource) ListIncidents(context.Context, model.Query, Page) (ListResult, error) {
	s.calls.Add(1)
	return ListResult{Incidents: []model.Incident{{ID: "A"}}}, s.err
}

func (s *countingSource) ListIncidentsSince(context.Context, model.Query, time.Time) (Changes, error) {
	s.calls.Add(1)
	return Changes{}, s.err
}

func (s *countingSource) CheckAbilities(context.Context) (model.Abilities, error) {
	s.calls.Add(1)
	return model.NewAbilities(model.AbilityRead), s.err
}

func TestThrottledPassesThrough(t *testing.T) {
	source := &countingSource{}
	throttled := NewThrottled(source, func() int { return 0 })
	ctx := context.Background()

	total, err := throttled.CountIncidents(ctx, model.Query{})
	if err != nil || total != 7 {
		t.Fatalf("CountIncidents() = %d, %v", total, err)
	}
	page, err := throttled.ListIncidents(ctx, model.Query{}, Page{Limit: 10})
	if err != nil || len(page.Incidents) != 1 {
		t.Fatalf("ListIncidents() = %+v, %v", page, err)
	}
	if _, err := throttled.ListIncidentsSince(ctx, model.Query{}, time.Now()); err != nil {
		t.Fatalf("ListIncidentsSince() failed: %v", err)
	}
	abilities, err := throttled.CheckAbilities(ctx)
	if err != nil || !abilities.Has(model.AbilityRead) {
		t.Fatalf("CheckAbilities() = %v, %v", abilities.List(), err)
	}

	expected := QueueStats{Received: 4, Completed: 4}
	if diff := cmp.Diff(expected, throttled.Stats()); diff != "" {
		t.Errorf("unexpected stats (-want +got):\n%s", diff)
	}
}

func TestThrottledCountsFailedCallsAsCompleted(t *testing.T) {
	source := &countingSource{err: ErrRateLimited}
	throttled := NewThrottled(source, func() int { return 0 })

	if _, err := throttled.CountIncidents(context.Background(), model.Query{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected the source error, got %v", err)
	}
	if diff := cmp.Diff(QueueStats{Received: 1, Completed: 1}, throttled.Stats()); diff != "" {
		t.Errorf("unexpected stats (-want +got):\n%s", diff)
	}
}

func TestThrottledPacesRequests(t *testing.T) {
	source := &countingSource{}
	var perMinute atomic.Int32
	perMinute.Store(1)
	throttled := NewThrottled(source, func() int { return int(perMinute.Load()) })

	// the burst allows one request right away
	if _, err := throttled.CountIncidents(context.Background(), model.Query{}); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := throttled.CountIncidents(ctx, model.Query{})
	if !IsTransient(err) {
		t.Fatalf("expected a transient error while waiting for budget, got %v", err)
	}
	if calls := source.calls.Load(); calls != 1 {
		t.Errorf("expected the paced request not to reach the source, got %d calls", calls)
	}
	if diff := cmp.Diff(QueueStats{Received: 2, Completed: 1}, throttled.Stats()); diff != "" {
		t.Errorf("unexpected stats (-want +got):\n%s", diff)
	}

	// lifting the cap applies to the next request
	perMinute.Store(0)
	if _, err := throttled.CountIncidents(context.Background(), model.Query{}); err != nil {
		t.Fatalf("request after lifting the cap failed: %v", err)
	}
}
