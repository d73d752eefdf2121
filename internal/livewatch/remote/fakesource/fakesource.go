// Package fakesource provides an in-memory remote.Source for tests
package fakesource

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/remote"
)

// Source is a fake upstream holding incidents in memory. Errors can be injected per
// operation; an injected error is returned by every call until cleared.
type Source struct {
	mu sync.Mutex

	incidents map[string]model.Incident
	abilities model.Abilities

	// Total overrides the count returned by CountIncidents when non-nil
	Total *int
	// SignalRemovals makes ListIncidentsSince report deleted incidents
	SignalRemovals bool
	deleted        []string

	CountErr     error
	ListErr      error
	SinceErr     error
	AbilitiesErr error

	// Block, when set, is waited on by every call before it answers
	Block chan struct{}

	Calls map[string]int
}

// New creates a fake source with the given incidents
func New(incidents ...model.Incident) *Source {
	s := &Source{
		incidents: map[string]model.Incident{},
		abilities: model.NewAbilities(model.AbilityRead, model.AbilityTeams, model.AbilityUrgencies),
		Calls:     map[string]int{},
	}
	for _, incident := range incidents {
		s.incidents[incident.ID] = incident
	}
	return s
}

// Upsert adds or replaces an incident
func (s *Source) Upsert(incidents ...model.Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, incident := range incidents {
		s.incidents[incident.ID] = incident
	}
}

// Delete removes an incident
func (s *Source) Delete(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.incidents, id)
		s.deleted = append(s.deleted, id)
	}
}

// SetAbilities replaces the abilities returned by CheckAbilities
func (s *Source) SetAbilities(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abilities = model.NewAbilities(names...)
}

// CallCount returns how many times op was called
func (s *Source) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[op]
}

func (s *Source) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.Calls[op]++
	block := s.Block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Source) matching(query model.Query) []model.Incident {
	var out []model.Incident
	for _, incident := range s.incidents {
		if query.Matches(incident) {
			out = append(out, incident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Source) CountIncidents(ctx context.Context, query model.Query) (int, error) {
	if err := s.enter(ctx, "count"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CountErr != nil {
		return 0, s.CountErr
	}
	if s.Total != nil {
		return *s.Total, nil
	}
	return len(s.matching(query)), nil
}

func (s *Source) ListIncidents(ctx context.Context, query model.Query, page remote.Page) (remote.ListResult, error) {
	if err := s.enter(ctx, "list"); err != nil {
		return remote.ListResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return remote.ListResult{}, s.ListErr
	}
	all := s.matching(query)
	if page.Offset >= len(all) {
		return remote.ListResult{}, nil
	}
	end := len(all)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return remote.ListResult{
		Incidents: append([]model.Incident(nil), all[page.Offset:end]...),
		More:      end < len(all),
	}, nil
}

func (s *Source) ListIncidentsSince(ctx context.Context, query model.Query, watermark time.Time) (remote.Changes, error) {
	if err := s.enter(ctx, "since"); err != nil {
		return remote.Changes{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SinceErr != nil {
		return remote.Changes{}, s.SinceErr
	}
	var changes remote.Changes
	for _, incident := range s.matching(query) {
		if !incident.UpdatedAt.Before(watermark) {
			changes.Incidents = append(changes.Incidents, incident)
		}
	}
	if s.SignalRemovals {
		changes.RemovalsKnown = true
		changes.Removed = append(changes.Removed, s.deleted...)
	}
	return changes, nil
}

func (s *Source) CheckAbilities(ctx context.Context) (model.Abilities, error) {
	if err := s.enter(ctx, "abilities"); err != nil {
		return model.Abilities{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AbilitiesErr != nil {
		return model.Abilities{}, s.AbilitiesErr
	}
	return s.abilities, nil
}
