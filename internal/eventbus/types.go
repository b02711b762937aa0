package eventbus

import "github.com/google/uuid"

// EventType names the change a datum underwent.
type EventType string

const (
	EventPut     EventType = "PUT"
	EventDelete  EventType = "DELETE"
	EventUpgrade EventType = "UPGRADE"
	EventDegrade EventType = "DEGRADE"
)

// Event records a single change to the storage lattice. CausalParent here
// is whatever event id the emitter passed to Emit — busenabled.Backend
// passes its own previous event, the promoter passes none — and the bus
// never assigns one itself. It is a distinct notion from a Datum's own
// CausalParent lineage.
type Event struct {
	EventID      string            `json:"event_id"`
	Type         EventType         `json:"event_type"`
	DatumID      string            `json:"datum_id"`
	Timestamp    float64           `json:"timestamp"`
	Source       string            `json:"source"`
	CausalParent string            `json:"causal_parent,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// newEvent fills EventID and leaves Timestamp (and CausalParent) for the
// caller; Emit sets Timestamp from the wall clock.
func newEvent(t EventType, datumID, source string, meta map[string]string) Event {
	return Event{
		EventID:  uuid.New().String(),
		Type:     t,
		DatumID:  datumID,
		Source:   source,
		Metadata: meta,
	}
}
