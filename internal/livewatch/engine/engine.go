package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/reconcile"
	"github.com/petr-muller/incident-live/internal/livewatch/remote"
)

var (
	// ErrNoActiveQuery is returned by Poll before any query was executed
	ErrNoActiveQuery = errors.New("no active query")
	// ErrSyncInFlight is returned by Poll while a full fetch or another sync of the scope is outstanding
	ErrSyncInFlight = errors.New("another sync of the active query is in flight")
	// ErrStaleResult is returned when a newer request superseded the one in flight
	ErrStaleResult = errors.New("result discarded, superseded by a newer request")
)

const (
	pageSize = 100
	// maxRecords bounds every listing, so no query can grow the snapshot without limit
	maxRecords = 10000
	// watermarkOverlap re-reads a short window before the last poll to tolerate clock skew
	// between this machine and the upstream
	watermarkOverlap = time.Minute
)

// Health is the part of the connection monitor the engine needs
type Health interface {
	Ready() error
	Observe(err error)
}

// Recorder receives measurements of the engine's work
type Recorder interface {
	ObserveCall(operation string, err error)
	ObserveSync(kind string, d time.Duration)
	StaleResult()
	SetSnapshotSize(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCall(string, error)          {}
func (nopRecorder) ObserveSync(string, time.Duration) {}
func (nopRecorder) StaleResult()                      {}
func (nopRecorder) SetSnapshotSize(int)               {}

// Option configures an Engine
type Option func(*Engine)

// WithRecorder makes the engine report to r
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

// WithClock replaces the engine's clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine owns the incident snapshot. It is the only writer of the snapshot; everybody else
// reads published immutable snapshots.
//
// Every Execute and every Supersede starts a new generation. Results of requests issued for
// an older generation are discarded when they arrive, so the most recent request always wins.
// At most one remote sync is outstanding per scope: concurrent Executes of one query share a
// fetch, and an Execute waits for an outstanding sync of the same scope to resolve, even a
// superseded one, before it fetches.
type Engine struct {
	source  remote.Source
	health  Health
	logger  *logrus.Entry
	metrics Recorder
	now     func() time.Time

	mu          sync.Mutex
	generation  uint64
	executing   uint64
	executeKey  string
	syncing     map[string]chan struct{}
	scope       *model.Query
	watermark   time.Time
	snapshot    *model.Snapshot
	subscribers []func(*model.Snapshot)

	flight singleflight.Group
}

func New(source remote.Source, health Health, logger *logrus.Entry, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		health:   health,
		logger:   logger,
		metrics:  nopRecorder{},
		now:      time.Now,
		snapshot: model.EmptySnapshot(),
		syncing:  map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot returns the currently published snapshot
func (e *Engine) Snapshot() *model.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// Scope returns the query the published snapshot belongs to
func (e *Engine) Scope() (model.Query, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scope == nil {
		return model.Query{}, false
	}
	return *e.scope, true
}

// Subscribe registers fn to be called with every published snapshot
func (e *Engine) Subscribe(fn func(*model.Snapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Supersede marks every request in flight as stale, so its result is discarded when it
// arrives. The published snapshot and its scope stay as they are.
func (e *Engine) Supersede() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	if e.executing != 0 {
		e.flight.Forget(executeFlightKey(e.executeKey))
	}
}

func executeFlightKey(queryKey string) string {
	return "execute/" + queryKey
}

// Execute fetches every incident matching query and replaces the snapshot with the result
// in one step. On failure the snapshot is left untouched. Concurrent calls for the same
// query share one fetch.
func (e *Engine) Execute(ctx context.Context, query model.Query) (*model.Snapshot, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	if err := e.health.Ready(); err != nil {
		return nil, err
	}

	key := query.Key()
	v, err, _ := e.flight.Do(executeFlightKey(key), func() (interface{}, error) {
		return e.execute(ctx, query, key)
	})
	snapshot, _ := v.(*model.Snapshot)
	return snapshot, err
}

func (e *Engine) execute(ctx context.Context, query model.Query, key string) (*model.Snapshot, error) {
	e.mu.Lock()
	if err := e.waitIdleLocked(ctx, key); err != nil {
		return nil, err
	}
	release := e.claimLocked(key)
	defer release()
	e.generation++
	generation := e.generation
	e.executing = generation
	e.executeKey = key
	e.mu.Unlock()

	logger := e.logger.WithFields(logrus.Fields{"cycle": uuid.NewString(), "generation": generation})
	logger.WithField("query", key).Info("Fetching incidents")

	start := e.now()
	incidents, complete, err := e.list(ctx, query, "list incidents")
	e.metrics.ObserveSync("execute", e.now().Sub(start))

	e.mu.Lock()
	if e.executing == generation {
		e.executing = 0
	}
	if err != nil {
		e.mu.Unlock()
		logger.WithError(err).Warn("Full fetch failed, snapshot left untouched")
		return nil, fmt.Errorf("cannot fetch incidents: %w", err)
	}
	if generation != e.generation {
		e.mu.Unlock()
		e.metrics.StaleResult()
		logger.Debug("Discarding full fetch of a superseded query")
		return nil, ErrStaleResult
	}
	if !complete {
		logger.WithField("limit", maxRecords).Warn("Query matches more incidents than can be mirrored, snapshot is truncated")
	}

	observed := e.now()
	for i := range incidents {
		incidents[i].LastSeenAt = observed
	}
	snapshot := model.NewSnapshot(key, generation, observed, incidents)
	scope := query
	e.scope = &scope
	e.watermark = start
	notify := e.publishLocked(snapshot)
	e.mu.Unlock()
	notify()

	logger.WithField("incidents", snapshot.Len()).Info("Snapshot replaced")
	return snapshot, nil
}

// Poll fetches the incidents that changed since the last successful sync and reconciles
// them into the snapshot. Concurrent calls share one poll.
func (e *Engine) Poll(ctx context.Context) (model.Delta, error) {
	e.mu.Lock()
	if e.scope == nil {
		e.mu.Unlock()
		return model.Delta{}, ErrNoActiveQuery
	}
	if e.executing != 0 {
		e.mu.Unlock()
		return model.Delta{}, ErrSyncInFlight
	}
	generation := e.generation
	e.mu.Unlock()

	v, err, _ := e.flight.Do("poll/"+strconv.FormatUint(generation, 10), func() (interface{}, error) {
		return e.poll(ctx, generation)
	})
	return v.(model.Delta), err
}

func (e *Engine) poll(ctx context.Context, generation uint64) (model.Delta, error) {
	e.mu.Lock()
	if generation != e.generation {
		e.mu.Unlock()
		return model.Delta{}, ErrStaleResult
	}
	query := *e.scope
	watermark := e.watermark
	base := e.snapshot
	key := query.Key()
	if _, busy := e.syncing[key]; busy {
		e.mu.Unlock()
		return model.Delta{}, ErrSyncInFlight
	}
	release := e.claimLocked(key)
	e.mu.Unlock()
	defer release()

	if err := e.health.Ready(); err != nil {
		return model.Delta{}, err
	}

	logger := e.logger.WithFields(logrus.Fields{"cycle": uuid.NewString(), "generation": generation})
	start := e.now()
	defer func() {
		e.metrics.ObserveSync("poll", e.now().Sub(start))
	}()

	changes, err := e.source.ListIncidentsSince(ctx, query, watermark.Add(-watermarkOverlap))
	e.observe("list incidents since", err)
	if err != nil {
		logger.WithError(err).Warn("Poll failed, snapshot left untouched")
		return model.Delta{}, fmt.Errorf("cannot poll incidents: %w", err)
	}

	removed := changes.Removed
	if !changes.RemovalsKnown {
		removed, err = e.scopeRemovals(ctx, query, base, logger)
		if err != nil {
			logger.WithError(err).Warn("Poll failed, snapshot left untouched")
			return model.Delta{}, fmt.Errorf("cannot poll incidents: %w", err)
		}
	}

	delta := model.Delta{Removed: removed, ObservedAt: e.now()}
	delta.Added, delta.Updated = reconcile.Classify(base, changes.Incidents)

	e.mu.Lock()
	if generation != e.generation {
		e.mu.Unlock()
		e.metrics.StaleResult()
		logger.Debug("Discarding poll of a superseded query")
		return model.Delta{}, ErrStaleResult
	}
	next, applied := reconcile.Apply(e.snapshot, delta)
	e.watermark = start
	notify := func() {}
	if !applied.Empty() {
		notify = e.publishLocked(next)
	} else {
		e.snapshot = next
	}
	e.mu.Unlock()
	notify()

	if !applied.Empty() {
		logger.WithFields(logrus.Fields{
			"added":   len(applied.Added),
			"updated": len(applied.Updated),
			"removed": len(applied.Removed),
		}).Info("Reconciled changes")
	}
	return applied, nil
}

// scopeRemovals derives removals for upstreams that do not report deletions: every held
// incident that a scan of the active scope no longer lists is gone. A truncated scan cannot
// prove absence, so it yields no removals.
func (e *Engine) scopeRemovals(ctx context.Context, query model.Query, base *model.Snapshot, logger *logrus.Entry) ([]string, error) {
	incidents, complete, err := e.list(ctx, query, "scan incident ids")
	if err != nil {
		return nil, err
	}
	if !complete {
		logger.Debug("Incident scan truncated, skipping removal detection")
		return nil, nil
	}
	scanned := sets.New[string]()
	for _, incident := range incidents {
		scanned.Insert(incident.ID)
	}
	return reconcile.ScopeRemovals(base.IDs(), scanned), nil
}

// list pages through all incidents matching the query, up to maxRecords. The returned flag
// is false when the listing was cut off.
func (e *Engine) list(ctx context.Context, query model.Query, operation string) ([]model.Incident, bool, error) {
	var incidents []model.Incident
	for offset := 0; ; offset += pageSize {
		if offset > 0 {
			// a failure on a previous page may have degraded the connection
			if err := e.health.Ready(); err != nil {
				return nil, false, err
			}
		}
		page, err := e.source.ListIncidents(ctx, query, remote.Page{Offset: offset, Limit: pageSize})
		e.observe(operation, err)
		if err != nil {
			return nil, false, err
		}
		incidents = append(incidents, page.Incidents...)
		if !page.More || len(page.Incidents) == 0 {
			return incidents, true, nil
		}
		if len(incidents) >= maxRecords {
			return incidents[:maxRecords], false, nil
		}
	}
}

// waitIdleLocked blocks until no sync of the scope is outstanding. The lock is held when it
// returns nil and released when it returns an error.
func (e *Engine) waitIdleLocked(ctx context.Context, key string) error {
	for {
		busy, ok := e.syncing[key]
		if !ok {
			return nil
		}
		e.mu.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.mu.Lock()
	}
}

// claimLocked marks a sync of the scope as outstanding until the returned function is
// called. The returned function must be called without holding the lock.
func (e *Engine) claimLocked(key string) func() {
	done := make(chan struct{})
	e.syncing[key] = done
	return func() {
		e.mu.Lock()
		delete(e.syncing, key)
		e.mu.Unlock()
		close(done)
	}
}

func (e *Engine) observe(operation string, err error) {
	e.health.Observe(err)
	e.metrics.ObserveCall(operation, err)
}

// publishLocked installs snapshot and returns a function notifying subscribers, to be
// called after the lock is released
func (e *Engine) publishLocked(snapshot *model.Snapshot) func() {
	e.snapshot = snapshot
	e.metrics.SetSnapshotSize(snapshot.Len())
	subscribers := append([]func(*model.Snapshot){}, e.subscribers...)
	return func() {
		for _, fn := range subscribers {
			fn(snapshot)
		}
	}
}
