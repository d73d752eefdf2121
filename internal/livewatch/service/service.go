package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petr-muller/incident-live/internal/livewatch/admission"
	"github.com/petr-muller/incident-live/internal/livewatch/confirm"
	"github.com/petr-muller/incident-live/internal/livewatch/engine"
	"github.com/petr-muller/incident-live/internal/livewatch/health"
	"github.com/petr-muller/incident-live/internal/livewatch/metrics"
	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/reconcile"
	"github.com/petr-muller/incident-live/internal/livewatch/remote"
	"github.com/petr-muller/incident-live/internal/settings"
)

// ErrConfirmationRequired is returned when a query exceeds the limit and nobody can confirm it
var ErrConfirmationRequired = errors.New("query exceeds the result limit and needs confirmation")

// Service wires the admission controller, connection monitor, sync engine and confirmation
// workflow around one remote source for the lifetime of a session
type Service struct {
	Source    *remote.Throttled
	Health    *health.Monitor
	Admission *admission.Controller
	Engine    *engine.Engine
	Workflow  *confirm.Workflow

	settings settings.Provider
	logger   *logrus.Entry
}

// NewService creates a new service instance. m may be nil when metrics are not collected.
func NewService(source remote.Source, provider settings.Provider, m *metrics.Metrics, logger *logrus.Entry) *Service {
	throttled := remote.NewThrottled(source, func() int {
		return provider.Current().MaxRequestsPerMinute
	})

	monitor := health.NewMonitor(throttled, logger.WithField("component", "health"))
	controller := admission.NewController(throttled, monitor, provider, logger.WithField("component", "admission"))

	var opts []engine.Option
	if m != nil {
		opts = append(opts, engine.WithRecorder(m))
		monitor.Subscribe(func(state health.State) {
			m.SetPhase(string(state.Phase))
		})
	}
	syncEngine := engine.New(throttled, monitor, logger.WithField("component", "engine"), opts...)
	workflow := confirm.NewWorkflow(controller, syncEngine, logger.WithField("component", "workflow"))

	return &Service{
		Source:    throttled,
		Health:    monitor,
		Admission: controller,
		Engine:    syncEngine,
		Workflow:  workflow,
		settings:  provider,
		logger:    logger,
	}
}

// Settings returns the settings currently in effect
func (s *Service) Settings() settings.Settings {
	return s.settings.Current()
}

// Connect checks the connection and records the abilities of the credential
func (s *Service) Connect(ctx context.Context) error {
	abilities, err := s.Health.Check(ctx)
	if err != nil {
		return err
	}
	s.logger.WithField("abilities", abilities.List()).Info("Connected to the incident source")
	return nil
}

// Count validates query without running it
func (s *Service) Count(ctx context.Context, query model.Query) (admission.Result, error) {
	return s.Admission.Validate(ctx, query)
}

// Fetch validates and executes query once. When the query needs confirmation, confirmFn
// decides; a nil confirmFn refuses.
func (s *Service) Fetch(ctx context.Context, query model.Query, confirmFn func(admission.Result) (bool, error)) (*model.Snapshot, error) {
	if err := s.Workflow.RequestValidation(ctx, query); err != nil {
		return nil, err
	}

	status := s.Workflow.Status()
	if status.Phase == confirm.AwaitingConfirmation {
		decision := false
		if confirmFn != nil {
			var err error
			if decision, err = confirmFn(status.Pending.Result); err != nil {
				return nil, err
			}
		}
		if err := s.Workflow.Confirm(ctx, decision); err != nil {
			return nil, err
		}
		if !decision {
			return nil, fmt.Errorf("%w: %d incidents match, limit is %d", ErrConfirmationRequired, status.Pending.Result.Total, status.Pending.Result.Limit)
		}
	}

	return s.Engine.Snapshot(), nil
}

// Tick runs one poll cycle. Nothing is sent while the credential is rejected, and a
// degraded connection is re-checked instead of polled.
func (s *Service) Tick(ctx context.Context) (model.Delta, error) {
	switch s.Health.Current().Phase {
	case health.Unauthorized:
		return model.Delta{}, health.ErrNotReady
	case health.Degraded:
		if _, err := s.Health.Check(ctx); err != nil {
			return model.Delta{}, err
		}
	}
	return s.Engine.Poll(ctx)
}

// RunHeadless executes query and keeps the snapshot fresh until ctx is cancelled, logging
// every reconciled change. Queries over the limit only run when autoConfirm is set.
func (s *Service) RunHeadless(ctx context.Context, query model.Query, autoConfirm bool) error {
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("cannot connect: %w", err)
	}

	snapshot, err := s.Fetch(ctx, query, func(result admission.Result) (bool, error) {
		return autoConfirm, nil
	})
	if err != nil {
		return err
	}
	s.logger.WithField("incidents", snapshot.Len()).Info("Watching incidents")

	timer := time.NewTimer(s.settings.Current().PollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		previous := s.Engine.Snapshot()
		delta, err := s.Tick(ctx)
		switch {
		case err == nil:
			s.logDelta(previous, delta)
		case errors.Is(err, engine.ErrSyncInFlight), errors.Is(err, engine.ErrStaleResult):
			s.logger.WithError(err).Debug("Poll skipped")
		case errors.Is(err, context.Canceled):
			return nil
		default:
			s.logger.WithError(err).Warn("Poll failed")
		}

		// the interval is re-read so that a changed setting applies to the next cycle
		timer.Reset(s.settings.Current().PollInterval())
	}
}

func (s *Service) logDelta(previous *model.Snapshot, delta model.Delta) {
	for _, incident := range delta.Added {
		s.logger.WithFields(logrus.Fields{"incident": incident.ID, "status": incident.Status, "urgency": incident.Urgency}).Infof("New incident: %s", incident.Title)
	}
	for _, incident := range delta.Updated {
		logger := s.logger.WithField("incident", incident.ID)
		old, ok := previous.Get(incident.ID)
		if !ok {
			logger.Infof("Incident updated: %s", incident.Title)
			continue
		}
		for _, change := range reconcile.Changes(old, incident) {
			logger.WithFields(logrus.Fields{"field": change.Field, "from": change.OldValue, "to": change.NewValue}).Info("Incident changed")
		}
	}
	for _, id := range delta.Removed {
		s.logger.WithField("incident", id).Info("Incident left the view")
	}
}
