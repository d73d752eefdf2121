package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/remote"
)

// Phase is the reachability of the remote source
type Phase string

const (
	Dormant      Phase = "dormant"
	Connecting   Phase = "connecting"
	Connected    Phase = "connected"
	Degraded     Phase = "degraded"
	Unauthorized Phase = "unauthorized"
)

// State is the connection state. It is always replaced as a whole.
type State struct {
	Phase  Phase
	Reason string
	Since  time.Time
}

// ErrNotReady is returned by Ready when remote calls must be skipped
var ErrNotReady = errors.New("remote source is not ready")

// AbilityChecker is the part of the remote source the monitor probes
type AbilityChecker interface {
	CheckAbilities(ctx context.Context) (model.Abilities, error)
}

// Monitor tracks whether the remote source can be called. It records outcomes; it does not
// retry anything on its own.
type Monitor struct {
	checker AbilityChecker
	logger  *logrus.Entry
	now     func() time.Time

	mu           sync.RWMutex
	state        State
	abilities    model.Abilities
	hasAbilities bool
	subscribers  []func(State)

	flight singleflight.Group
}

// NewMonitor creates a monitor in the Dormant phase
func NewMonitor(checker AbilityChecker, logger *logrus.Entry) *Monitor {
	m := &Monitor{
		checker: checker,
		logger:  logger,
		now:     time.Now,
	}
	m.state = State{Phase: Dormant, Reason: "Connecting", Since: m.now()}
	return m
}

// Current returns the current state
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn to be called with every new state. fn must not call back into
// the monitor.
func (m *Monitor) Subscribe(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Ready returns nil when new remote calls may be issued
func (m *Monitor) Ready() error {
	state := m.Current()
	switch state.Phase {
	case Degraded, Unauthorized:
		return fmt.Errorf("%w: %s (%s)", ErrNotReady, state.Phase, state.Reason)
	}
	return nil
}

// BeginCheck moves the monitor to Connecting
func (m *Monitor) BeginCheck() {
	m.transition(func(current State) (State, bool) {
		if current.Phase == Connecting {
			return current, false
		}
		return State{Phase: Connecting, Reason: "Connecting"}, true
	})
}

// Observe records the outcome of a remote call
func (m *Monitor) Observe(err error) {
	m.transition(func(current State) (State, bool) {
		switch {
		case err == nil:
			if current.Phase == Connecting || current.Phase == Dormant {
				return State{Phase: Connected, Reason: "Connected"}, true
			}
		case remote.IsRateLimited(err):
			return State{Phase: Degraded, Reason: err.Error()}, current.Phase != Degraded || current.Reason != err.Error()
		case remote.IsUnauthorized(err):
			return State{Phase: Unauthorized, Reason: err.Error()}, current.Phase != Unauthorized
		case errors.Is(err, context.Canceled):
		default:
			// a check that cannot reach the source must not stay Connecting forever
			if current.Phase == Connecting {
				return State{Phase: Degraded, Reason: err.Error()}, true
			}
		}
		return current, false
	})
}

func (m *Monitor) transition(next func(State) (State, bool)) {
	m.mu.Lock()
	current := m.state
	state, changed := next(current)
	if !changed {
		m.mu.Unlock()
		return
	}
	state.Since = m.now()
	m.state = state
	subscribers := append([]func(State){}, m.subscribers...)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"from": current.Phase, "to": state.Phase, "reason": state.Reason}).Info("Connection state changed")
	for _, fn := range subscribers {
		fn(state)
	}
}

// Check probes the source by requesting the abilities of the credential. Concurrent checks
// share one request. The abilities from the first successful check are kept for the rest
// of the session.
func (m *Monitor) Check(ctx context.Context) (model.Abilities, error) {
	v, err, _ := m.flight.Do("check", func() (interface{}, error) {
		m.BeginCheck()
		abilities, err := m.checker.CheckAbilities(ctx)
		m.Observe(err)
		if err != nil {
			return model.Abilities{}, fmt.Errorf("cannot check abilities: %w", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.hasAbilities {
			m.abilities = abilities
			m.hasAbilities = true
		}
		return m.abilities, nil
	})
	return v.(model.Abilities), err
}

// Abilities returns the abilities recorded by the first successful Check
func (m *Monitor) Abilities() (model.Abilities, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.abilities, m.hasAbilities
}
