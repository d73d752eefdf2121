package reconcile

import (
	"reflect"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
)

// Apply reconciles delta into snapshot and returns the new snapshot together with the
// changes that were actually applied. The input snapshot is not modified.
//
// Added and updated incidents replace the stored record wholesale unless the stored record
// is a newer remote version, so late responses never overwrite fresher data. Re-delivered
// versions refresh LastSeenAt but are not reported as updates. Removing an unknown ID is a
// no-op. A removal wins over an upsert of the same ID in one delta, and the applied delta
// reports such an incident only as removed, or not at all when it was never held.
func Apply(snapshot *model.Snapshot, delta model.Delta) (*model.Snapshot, model.Delta) {
	records := snapshot.CloneRecords()
	applied := model.Delta{ObservedAt: delta.ObservedAt}

	upsert := func(incident model.Incident) {
		existing, exists := records[incident.ID]
		if exists && existing.NewerThan(incident) {
			return
		}
		incident.LastSeenAt = delta.ObservedAt
		records[incident.ID] = incident
		switch {
		case !exists:
			applied.Added = append(applied.Added, incident)
		case !sameContent(existing, incident):
			applied.Updated = append(applied.Updated, incident)
		}
	}

	for _, incident := range delta.Added {
		upsert(incident)
	}
	for _, incident := range delta.Updated {
		upsert(incident)
	}

	gone := sets.New[string]()
	for _, id := range delta.Removed {
		if _, exists := records[id]; !exists {
			continue
		}
		delete(records, id)
		gone.Insert(id)
		if _, held := snapshot.Get(id); held {
			applied.Removed = append(applied.Removed, id)
		}
	}
	if gone.Len() > 0 {
		applied.Added = without(applied.Added, gone)
		applied.Updated = without(applied.Updated, gone)
	}

	return snapshot.Derive(records, delta.ObservedAt), applied
}

func without(incidents []model.Incident, ids sets.Set[string]) []model.Incident {
	var kept []model.Incident
	for _, incident := range incidents {
		if !ids.Has(incident.ID) {
			kept = append(kept, incident)
		}
	}
	return kept
}

// sameContent compares two versions ignoring when they were observed
func sameContent(a, b model.Incident) bool {
	a.LastSeenAt, b.LastSeenAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

// Classify splits incidents into added and updated relative to the snapshot
func Classify(snapshot *model.Snapshot, incidents []model.Incident) (added, updated []model.Incident) {
	for _, incident := range incidents {
		if _, exists := snapshot.Get(incident.ID); exists {
			updated = append(updated, incident)
		} else {
			added = append(added, incident)
		}
	}
	return added, updated
}

// ScopeRemovals returns the IDs held locally that the upstream no longer lists for the
// active scope. It is only correct when scanned is the complete ID set of the scope.
func ScopeRemovals(held, scanned sets.Set[string]) []string {
	return sets.List(held.Difference(scanned))
}
