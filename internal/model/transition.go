package model

import (
	"time"

	"github.com/sitetrace/changeflow/internal/fault"
)

// EntityType tags a ledger row with the kind of entity it belongs to.
type EntityType string

const (
	EntityCandidate EntityType = "candidate"
	EntityOrder     EntityType = "order"
	EntityIngestion EntityType = "ingestion"
	EntityProject   EntityType = "project"
)

// ActorType distinguishes who caused a transition. AI confirmation is a
// first-class actor kind so it is always distinguishable from a human in
// the ledger.
type ActorType string

const (
	ActorSystem     ActorType = "system"
	ActorContractor ActorType = "contractor"
	ActorClient     ActorType = "client"
	ActorAI         ActorType = "ai"
)

// Actor identifies who performed a transition. ID carries the contractor
// user id, the client identifier, or the model name for AI actors; system
// actors need no id.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

// Validate checks that the actor kind carries the fields it needs.
func (a Actor) Validate() error {
	switch a.Type {
	case ActorSystem:
		return nil
	case ActorContractor, ActorClient, ActorAI:
		if a.ID == "" {
			return fault.Validation(string(a.Type) + " actor requires an id")
		}
		return nil
	default:
		return fault.Validation("unknown actor type " + string(a.Type))
	}
}

// SystemActor is the actor for internally triggered transitions.
var SystemActor = Actor{Type: ActorSystem}

// Transition is one append-only ledger row. Written exactly once per state
// change, never updated or deleted; the sole source of historical truth
// independent of current-state columns.
type Transition struct {
	ID         string         `json:"id"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status"`
	Actor      Actor          `json:"actor"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
