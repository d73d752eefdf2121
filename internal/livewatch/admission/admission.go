package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/remote"
	"github.com/petr-muller/incident-live/internal/settings"
)

// ErrValidationFailed means the size of the query could not be established, or the query
// is not allowed at all. Such a query must not run.
var ErrValidationFailed = errors.New("query validation failed")

// Result is the outcome of validating a query
type Result struct {
	// Total is the number of matching incidents; only meaningful when Known is set
	Total int
	Known bool
	Limit int

	WithinLimit          bool
	RequiresConfirmation bool
}

// Counter is the part of the remote source the controller needs
type Counter interface {
	CountIncidents(ctx context.Context, query model.Query) (int, error)
}

// Health is the part of the connection monitor the controller needs
type Health interface {
	Ready() error
	Observe(err error)
	Abilities() (model.Abilities, bool)
}

// Controller decides whether a query may run unattended
type Controller struct {
	counter  Counter
	health   Health
	settings settings.Provider
	logger   *logrus.Entry
}

func NewController(counter Counter, health Health, settings settings.Provider, logger *logrus.Entry) *Controller {
	return &Controller{
		counter:  counter,
		health:   health,
		settings: settings,
		logger:   logger,
	}
}

// Validate measures the query with a count-only request and compares the result against
// the configured limit. It never touches the incident snapshot.
func (c *Controller) Validate(ctx context.Context, query model.Query) (Result, error) {
	current := c.settings.Current()
	blocked := Result{Limit: current.MaxResultLimit, RequiresConfirmation: true}

	if err := query.Validate(); err != nil {
		return blocked, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	if err := c.checkAbilities(query); err != nil {
		return blocked, err
	}

	if err := c.health.Ready(); err != nil {
		return blocked, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	total, err := c.counter.CountIncidents(ctx, query)
	c.health.Observe(err)
	if err != nil {
		if remote.IsRateLimited(err) {
			c.logger.WithError(err).Warn("Upstream throttled the count request, query blocked")
		} else {
			c.logger.WithError(err).Warn("Cannot count incidents, query blocked")
		}
		return blocked, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	if total < 0 {
		return blocked, fmt.Errorf("%w: upstream reported negative total %d", ErrValidationFailed, total)
	}

	within := total <= current.MaxResultLimit
	result := Result{
		Total:                total,
		Known:                true,
		Limit:                current.MaxResultLimit,
		WithinLimit:          within,
		RequiresConfirmation: !within && !current.AutoAcceptLargeQueries,
	}

	c.logger.WithFields(logrus.Fields{
		"total":                total,
		"limit":                result.Limit,
		"requiresConfirmation": result.RequiresConfirmation,
	}).Debug("Validated query")

	return result, nil
}

// checkAbilities rejects filters the credential is not allowed to use. Abilities that were
// not fetched yet do not restrict anything.
func (c *Controller) checkAbilities(query model.Query) error {
	abilities, known := c.health.Abilities()
	if !known {
		return nil
	}
	if query.TeamIDs.Len() > 0 && !abilities.Has(model.AbilityTeams) {
		return fmt.Errorf("%w: team scoping requires the %q ability", ErrValidationFailed, model.AbilityTeams)
	}
	if query.Urgencies.Len() > 0 && !abilities.Has(model.AbilityUrgencies) {
		return fmt.Errorf("%w: urgency filtering requires the %q ability", ErrValidationFailed, model.AbilityUrgencies)
	}
	return nil
}
