package session

import "sort"

// ComputeDeltas compares the previous snapshot set against the current poll
// result and returns one delta per changed session. Pure function, no I/O.
//
// Output order is fixed: deleted first, then updated, then created, each
// group sorted by session id ascending. The order is an arbitrary convention
// kept stable so that consumers can be tested deterministically.
func ComputeDeltas(previous map[string]Snapshot, current []Snapshot) []Delta {
	currentByID := make(map[string]Snapshot, len(current))
	for _, snap := range current {
		currentByID[snap.ID] = snap
	}

	var deleted, updated, created []Delta

	for id, prev := range previous {
		if _, ok := currentByID[id]; !ok {
			deleted = append(deleted, Delta{
				SessionID: id,
				Kind:      DeltaDeleted,
				Before:    prev.Payload,
			})
		}
	}

	for _, snap := range current {
		prev, ok := previous[snap.ID]
		if !ok {
			created = append(created, Delta{
				SessionID: snap.ID,
				Kind:      DeltaCreated,
				After:     snap.Payload,
			})
			continue
		}
		if prev.Version != snap.Version {
			updated = append(updated, Delta{
				SessionID: snap.ID,
				Kind:      DeltaUpdated,
				Before:    prev.Payload,
				After:     snap.Payload,
			})
		}
	}

	sortByID(deleted)
	sortByID(updated)
	sortByID(created)

	deltas := make([]Delta, 0, len(deleted)+len(updated)+len(created))
	deltas = append(deltas, deleted...)
	deltas = append(deltas, updated...)
	deltas = append(deltas, created...)
	return deltas
}

func sortByID(deltas []Delta) {
	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].SessionID < deltas[j].SessionID
	})
}
