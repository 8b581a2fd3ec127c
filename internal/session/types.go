package session

import "encoding/json"

// Snapshot is the full observed state of one upstream session at one poll
// instant. Snapshots are immutable once built; a new poll cycle replaces
// them wholesale.
type Snapshot struct {
	// ID is the upstream's stable session identifier.
	ID string
	// Version is derived from the upstream's updated_at marker and is
	// compared for equality only. It carries no ordering meaning across
	// sessions.
	Version string
	// Payload is the raw session record as last retrieved.
	Payload json.RawMessage
}

// DeltaKind classifies a change between two poll cycles.
type DeltaKind string

const (
	DeltaCreated DeltaKind = "created"
	DeltaUpdated DeltaKind = "updated"
	DeltaDeleted DeltaKind = "deleted"
)

// Delta is one change record produced by comparing two snapshot sets.
// Before is nil for created deltas, After is nil for deleted ones.
// Deltas are immutable after construction; the broadcaster only reads them.
type Delta struct {
	SessionID string
	Kind      DeltaKind
	Before    json.RawMessage
	After     json.RawMessage
}
