package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/petr-muller/incident-live/internal/livewatch/admission"
	"github.com/petr-muller/incident-live/internal/livewatch/model"
)

var (
	// ErrNoPendingQuery is returned by Confirm when nothing awaits confirmation
	ErrNoPendingQuery = errors.New("no query awaits confirmation")
	// ErrSuperseded is returned when a newer request replaced this one while it was in flight
	ErrSuperseded = errors.New("query request superseded by a newer one")
)

// Phase is where the workflow stands with the most recent query
type Phase string

const (
	Idle                 Phase = "idle"
	Validating           Phase = "validating"
	AwaitingConfirmation Phase = "awaiting-confirmation"
	Executing            Phase = "executing"
	Completed            Phase = "completed"
	Cancelled            Phase = "cancelled"
	Blocked              Phase = "blocked"
	Failed               Phase = "failed"
)

// Validator measures a query before it runs
type Validator interface {
	Validate(ctx context.Context, query model.Query) (admission.Result, error)
}

// Executor runs a query that was admitted. Supersede discards the results of executions
// still in flight.
type Executor interface {
	Execute(ctx context.Context, query model.Query) (*model.Snapshot, error)
	Supersede()
}

// Status is what the console shows about the workflow
type Status struct {
	Phase               Phase
	DisplayConfirmModal bool
	// Pending is set while a query awaits confirmation
	Pending *Pending
	Err     error
}

// Pending is a query that exceeded the admission limit
type Pending struct {
	Query  model.Query
	Result admission.Result
}

// Workflow gates query execution behind admission, asking the operator to confirm queries
// that exceed the limit. Only the most recent request counts.
type Workflow struct {
	validator Validator
	executor  Executor
	logger    *logrus.Entry

	mu           sync.Mutex
	request      uint64
	phase        Phase
	displayModal bool
	pending      *Pending
	lastErr      error
}

func NewWorkflow(validator Validator, executor Executor, logger *logrus.Entry) *Workflow {
	return &Workflow{
		validator: validator,
		executor:  executor,
		logger:    logger,
		phase:     Idle,
	}
}

// Status returns the current state of the workflow
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	status := Status{Phase: w.phase, DisplayConfirmModal: w.displayModal, Err: w.lastErr}
	if w.pending != nil {
		pending := *w.pending
		status.Pending = &pending
	}
	return status
}

// RequestValidation validates query and executes it right away when it is within the limit
// or large queries are auto-accepted. Otherwise the query is parked until Confirm. A new
// request replaces whatever was pending.
func (w *Workflow) RequestValidation(ctx context.Context, query model.Query) error {
	w.mu.Lock()
	w.request++
	request := w.request
	w.phase = Validating
	w.pending = nil
	w.displayModal = false
	w.lastErr = nil
	w.mu.Unlock()

	// a fetch of the previous query must not land once the operator moved on
	w.executor.Supersede()

	result, err := w.validator.Validate(ctx, query)

	w.mu.Lock()
	if request != w.request {
		w.mu.Unlock()
		w.logger.Debug("Discarding validation of a superseded query")
		return ErrSuperseded
	}
	if err != nil {
		w.phase = Blocked
		w.lastErr = err
		w.mu.Unlock()
		w.logger.WithError(err).Warn("Query blocked")
		return fmt.Errorf("query blocked: %w", err)
	}
	if result.RequiresConfirmation {
		w.phase = AwaitingConfirmation
		w.pending = &Pending{Query: query, Result: result}
		w.displayModal = true
		w.mu.Unlock()
		w.logger.WithFields(logrus.Fields{"total": result.Total, "limit": result.Limit}).Info("Query exceeds the limit, waiting for confirmation")
		return nil
	}
	w.mu.Unlock()

	return w.execute(ctx, request, query)
}

// ToggleModal flips the visibility of the confirmation modal. It does not confirm or
// cancel anything.
func (w *Workflow) ToggleModal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.displayModal = !w.displayModal
}

// Confirm resolves the pending query: true executes it, false cancels it without touching
// the snapshot.
func (w *Workflow) Confirm(ctx context.Context, decision bool) error {
	w.mu.Lock()
	if w.pending == nil {
		w.mu.Unlock()
		return ErrNoPendingQuery
	}
	pending := *w.pending
	w.pending = nil
	w.displayModal = false
	request := w.request

	if !decision {
		w.phase = Cancelled
		w.mu.Unlock()
		w.logger.Info("Query cancelled by operator")
		return nil
	}
	w.mu.Unlock()

	w.logger.WithField("total", pending.Result.Total).Info("Query confirmed by operator")
	return w.execute(ctx, request, pending.Query)
}

func (w *Workflow) execute(ctx context.Context, request uint64, query model.Query) error {
	w.mu.Lock()
	if request != w.request {
		w.mu.Unlock()
		return ErrSuperseded
	}
	w.phase = Executing
	w.mu.Unlock()

	_, err := w.executor.Execute(ctx, query)

	w.mu.Lock()
	defer w.mu.Unlock()
	if request != w.request {
		return ErrSuperseded
	}
	if err != nil {
		w.phase = Failed
		w.lastErr = err
		return fmt.Errorf("cannot execute query: %w", err)
	}
	w.phase = Completed
	return nil
}
