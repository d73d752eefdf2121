package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
)

// QueueStats describes the requests that passed through a Throttled source
type QueueStats struct {
	Received  int
	Queued    int
	Running   int
	Completed int
}

// Throttled paces requests to the wrapped Source so that the operator-configured request
// budget is never exceeded. The budget is re-read before every request, so a changed
// setting applies to the next request.
type Throttled struct {
	source       Source
	perMinute    func() int
	limiter      *rate.Limiter
	currentLimit int

	mu    sync.Mutex
	stats QueueStats
}

// NewThrottled wraps source. perMinute returns the allowed requests per minute; zero or a
// negative value disables pacing.
func NewThrottled(source Source, perMinute func() int) *Throttled {
	return &Throttled{
		source:    source,
		perMinute: perMinute,
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
}

// Stats returns a copy of the current queue stats
func (t *Throttled) Stats() QueueStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Throttled) adjust() {
	limit := t.perMinute()
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit == t.currentLimit {
		return
	}
	t.currentLimit = limit
	if limit <= 0 {
		t.limiter.SetLimit(rate.Inf)
		return
	}
	t.limiter.SetLimit(rate.Every(time.Minute / time.Duration(limit)))
	// bursts up to a tenth of the budget keep paginated fetches snappy
	t.limiter.SetBurst(max(1, limit/10))
}

func (t *Throttled) do(ctx context.Context, op string, call func(context.Context) error) error {
	t.adjust()

	t.mu.Lock()
	t.stats.Received++
	t.stats.Queued++
	t.mu.Unlock()

	err := t.limiter.Wait(ctx)

	t.mu.Lock()
	t.stats.Queued--
	if err == nil {
		t.stats.Running++
	}
	t.mu.Unlock()

	if err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("waiting for request budget: %w", err)}
	}

	err = call(ctx)

	t.mu.Lock()
	t.stats.Running--
	t.stats.Completed++
	t.mu.Unlock()
	return err
}

func (t *Throttled) CountIncidents(ctx context.Context, query model.Query) (int, error) {
	var total int
	err := t.do(ctx, "count incidents", func(ctx context.Context) error {
		var err error
		total, err = t.source.CountIncidents(ctx, query)
		return err
	})
	return total, err
}

func (t *Throttled) ListIncidents(ctx context.Context, query model.Query, page Page) (ListResult, error) {
	var result ListResult
	err := t.do(ctx, "list incidents", func(ctx context.Context) error {
		var err error
		result, err = t.source.ListIncidents(ctx, query, page)
		return err
	})
	return result, err
}

func (t *Throttled) ListIncidentsSince(ctx context.Context, query model.Query, watermark time.Time) (Changes, error) {
	var changes Changes
	err := t.do(ctx, "list incidents since", func(ctx context.Context) error {
		var err error
		changes, err = t.source.ListIncidentsSince(ctx, query, watermark)
		return err
	})
	return changes, err
}

func (t *Throttled) CheckAbilities(ctx context.Context) (model.Abilities, error) {
	var abilities model.Abilities
	err := t.do(ctx, "check abilities", func(ctx context.Context) error {
		var err error
		abilities, err = t.source.CheckAbilities(ctx)
		return err
	})
	return abilities, err
}
