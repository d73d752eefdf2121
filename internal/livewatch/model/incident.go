package model

import (
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Incident is the local mirror of one remote incident. Everything except ID is replaced
// wholesale when a newer version of the incident arrives.
type Incident struct {
	ID                 string
	Number             string
	Title              string
	Status             Status
	Urgency            Urgency
	Priority           string
	ServiceID          string
	TeamIDs            []string
	EscalationPolicyID string
	Assignees          []string
	Notes              []Note
	URL                string

	CreatedAt          time.Time
	LastStatusChangeAt time.Time
	// UpdatedAt is the remote mutation timestamp; it orders versions of the same incident
	UpdatedAt time.Time

	// LastSeenAt is local: when this version was observed
	LastSeenAt time.Time
}

// Note is a free-form remark attached to an incident
type Note struct {
	Author    string
	Content   string
	CreatedAt time.Time
}

// NewerThan reports whether i is a strictly newer remote version than other
func (i Incident) NewerThan(other Incident) bool {
	return i.UpdatedAt.After(other.UpdatedAt)
}

// Delta is a set of changes to apply to a Snapshot
type Delta struct {
	Added      []Incident
	Updated    []Incident
	Removed    []string
	ObservedAt time.Time
}

// Empty returns true if the delta carries no changes
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Abilities are the capabilities granted to the current credential
type Abilities struct {
	set sets.Set[string]
}

const (
	AbilityRead      = "read"
	AbilityTeams     = "teams"
	AbilityUrgencies = "urgencies"
)

// NewAbilities builds an Abilities value from capability names
func NewAbilities(names ...string) Abilities {
	return Abilities{set: sets.New(names...)}
}

// Has reports whether the ability is granted
func (a Abilities) Has(name string) bool {
	return a.set.Has(name)
}

// List returns the granted abilities, sorted
func (a Abilities) List() []string {
	return sets.List(a.set)
}

// Snapshot is an immutable view of the mirrored incidents. The engine publishes a new
// Snapshot for every change; a published Snapshot is never modified.
type Snapshot struct {
	records    map[string]Incident
	queryKey   string
	generation uint64
	syncedAt   time.Time
}

// NewSnapshot creates a snapshot from incidents. Later duplicates of an ID win only if they
// are newer.
func NewSnapshot(queryKey string, generation uint64, syncedAt time.Time, incidents []Incident) *Snapshot {
	records := make(map[string]Incident, len(incidents))
	for _, incident := range incidents {
		if existing, ok := records[incident.ID]; ok && existing.NewerThan(incident) {
			continue
		}
		records[incident.ID] = incident
	}
	return &Snapshot{records: records, queryKey: queryKey, generation: generation, syncedAt: syncedAt}
}

// EmptySnapshot returns a snapshot with no incidents
func EmptySnapshot() *Snapshot {
	return &Snapshot{records: map[string]Incident{}}
}

// Derive creates a new snapshot with the same identity and the given records. The map is
// owned by the new snapshot afterwards.
func (s *Snapshot) Derive(records map[string]Incident, syncedAt time.Time) *Snapshot {
	return &Snapshot{records: records, queryKey: s.queryKey, generation: s.generation, syncedAt: syncedAt}
}

// CloneRecords returns a mutable copy of the records map
func (s *Snapshot) CloneRecords() map[string]Incident {
	out := make(map[string]Incident, len(s.records))
	for id, incident := range s.records {
		out[id] = incident
	}
	return out
}

func (s *Snapshot) Len() int {
	return len(s.records)
}

func (s *Snapshot) Get(id string) (Incident, bool) {
	incident, ok := s.records[id]
	return incident, ok
}

// IDs returns the incident IDs as a set
func (s *Snapshot) IDs() sets.Set[string] {
	ids := sets.New[string]()
	for id := range s.records {
		ids.Insert(id)
	}
	return ids
}

// Incidents returns all incidents, most recently updated first
func (s *Snapshot) Incidents() []Incident {
	out := make([]Incident, 0, len(s.records))
	for _, incident := range s.records {
		out = append(out, incident)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Snapshot) QueryKey() string {
	return s.queryKey
}

func (s *Snapshot) Generation() uint64 {
	return s.generation
}

func (s *Snapshot) SyncedAt() time.Time {
	return s.syncedAt
}
