// Package store persists the change-detection core. Both backends follow
// the same rules: every status change is a status-guarded conditional
// update, and a transition plus its ledger row commit in one transaction
// or not at all.
package store

import (
	"context"
	"time"

	"github.com/sitetrace/changeflow/internal/model"
)

// CandidateUpdate carries the optional column changes that accompany a
// candidate transition. Nil fields are left untouched.
type CandidateUpdate struct {
	Confidence      *float64
	Description     *string
	Area            *string
	MaterialFrom    *string
	MaterialTo      *string
	RejectionReason *string
	ConfirmedAt     *time.Time
	RejectedAt      *time.Time
}

// OrderUpdate carries the optional column changes that accompany an order
// transition.
type OrderUpdate struct {
	DocumentRef *string
	SentAt      *time.Time
	SignedAt    *time.Time
	Consent     *model.ConsentRecord
}

// Store defines the persistence interface for the approval core.
//
// Transition* methods update the row only when its current status equals
// the given from-status and append the ledger row in the same transaction.
// Zero rows updated surfaces as fault.ErrConflict (or fault.ErrNotFound if
// the row is gone); callers re-read and decide, the store never retries.
type Store interface {
	// Ingestion records
	CreateIngestion(ctx context.Context, rec *model.IngestionRecord, tr *model.Transition) error
	GetIngestion(ctx context.Context, id string) (*model.IngestionRecord, error)
	FindIngestionByExternalID(ctx context.Context, externalID string) (*model.IngestionRecord, error)
	TransitionIngestion(ctx context.Context, id string, from, to model.ProcessingStatus, errDetail string, tr *model.Transition) error
	StaleIngestions(ctx context.Context, cutoff time.Time) ([]model.IngestionRecord, error)

	// Candidates and evidence
	CreateCandidate(ctx context.Context, c *model.ChangeCandidate, link *model.EvidenceLink, tr *model.Transition) error
	GetCandidate(ctx context.Context, id string) (*model.ChangeCandidate, error)
	ListCandidates(ctx context.Context, projectID string, statuses ...model.CandidateStatus) ([]model.ChangeCandidate, error)
	TransitionCandidate(ctx context.Context, id string, from, to model.CandidateStatus, upd CandidateUpdate, tr *model.Transition) error
	// AddEvidence inserts the link idempotently (unique per candidate and
	// record pair) and optionally overwrites the candidate's confidence.
	// The candidate write is guarded on from: when the status moved under
	// the caller nothing is written and fault.ErrConflict surfaces.
	AddEvidence(ctx context.Context, link *model.EvidenceLink, from model.CandidateStatus, confidence *float64, tr *model.Transition) error
	ListEvidence(ctx context.Context, candidateID string) ([]model.EvidenceLink, error)
	EvidenceForRecord(ctx context.Context, recordID string) ([]model.EvidenceLink, error)
	CandidatesForOrder(ctx context.Context, orderID string) ([]model.ChangeCandidate, error)

	// Orders and items. SaveItem and DeleteItem recompute the order's
	// derived money columns inside the same transaction as the item write.
	CreateOrder(ctx context.Context, o *model.ChangeOrder, tr *model.Transition) error
	GetOrder(ctx context.Context, id string) (*model.ChangeOrder, error)
	ListOrders(ctx context.Context, projectID string) ([]model.ChangeOrder, error)
	SaveItem(ctx context.Context, item *model.ChangeOrderItem) error
	DeleteItem(ctx context.Context, orderID, itemID string) error
	ListItems(ctx context.Context, orderID string) ([]model.ChangeOrderItem, error)
	TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, upd OrderUpdate, tr *model.Transition) error

	// Tokens. MintToken supersedes any live token for the same order.
	// ConsumeToken is the atomic check-and-consume: exactly one of two
	// concurrent calls for the same value succeeds. RedeemToken folds the
	// consume, the owning order's guarded transition, and its ledger row
	// into one transaction, so a guard failure or a crash mid-redemption
	// never burns the token without the decision being recorded.
	MintToken(ctx context.Context, t *model.ActionToken) error
	GetToken(ctx context.Context, value string) (*model.ActionToken, error)
	ConsumeToken(ctx context.Context, value string, now time.Time) (*model.ActionToken, error)
	RedeemToken(ctx context.Context, value string, now time.Time, from, to model.OrderStatus, upd OrderUpdate, tr *model.Transition) (*model.ActionToken, error)

	// Ledger
	AppendTransition(ctx context.Context, tr *model.Transition) error
	History(ctx context.Context, entityType model.EntityType, entityID string) ([]model.Transition, error)
	ListEntityIDs(ctx context.Context, entityType model.EntityType) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
