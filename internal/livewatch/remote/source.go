package remote

import (
	"context"
	"time"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
)

// Source is the remote incident-management service as seen by the sync engine
type Source interface {
	// CountIncidents returns how many incidents match the query without fetching them
	CountIncidents(ctx context.Context, query model.Query) (int, error)
	// ListIncidents returns one page of incidents matching the query
	ListIncidents(ctx context.Context, query model.Query, page Page) (ListResult, error)
	// ListIncidentsSince returns incidents matching the query that changed at or after watermark
	ListIncidentsSince(ctx context.Context, query model.Query, watermark time.Time) (Changes, error)
	// CheckAbilities returns the capabilities granted to the current credential
	CheckAbilities(ctx context.Context) (model.Abilities, error)
}

// Page selects a window of a paginated listing
type Page struct {
	Offset int
	Limit  int
}

// ListResult is one page of a listing
type ListResult struct {
	Incidents []model.Incident
	More      bool
}

// Changes is the result of an incremental poll
type Changes struct {
	Incidents []model.Incident
	// Removed lists deleted incident IDs; only meaningful when RemovalsKnown is set
	Removed       []string
	RemovalsKnown bool
}
