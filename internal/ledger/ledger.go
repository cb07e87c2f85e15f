// Package ledger reads the append-only transition history and replays it.
// The ledger is the source of historical truth: replaying an entity's
// rows in created order must land on exactly the status its current-state
// row carries, and the verifier checks that for every entity.
package ledger

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/store"
)

// Service answers history and verification queries.
type Service struct {
	store store.Store
}

// New returns a ledger Service.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// History returns an entity's transitions in created order.
func (s *Service) History(ctx context.Context, entityType model.EntityType, entityID string) ([]model.Transition, error) {
	return s.store.History(ctx, entityType, entityID)
}

// Reconstruct replays a history and returns the final status. It fails on
// an empty history and on a continuity break, i.e. a row whose from-status
// is not the previous row's to-status.
func Reconstruct(history []model.Transition) (string, error) {
	if len(history) == 0 {
		return "", fault.Validation("empty history")
	}
	current := history[0].ToStatus
	for _, tr := range history[1:] {
		if tr.FromStatus != current {
			return "", fault.Validation(
				"broken chain at " + tr.ID + ": from " + tr.FromStatus + ", expected " + current)
		}
		current = tr.ToStatus
	}
	return current, nil
}

// Mismatch reports one entity whose ledger replay disagrees with its
// current-state row.
type Mismatch struct {
	EntityType   model.EntityType `json:"entity_type"`
	EntityID     string           `json:"entity_id"`
	LedgerStatus string           `json:"ledger_status"`
	StoredStatus string           `json:"stored_status"`
	Detail       string           `json:"detail,omitempty"`
}

// Verify replays one entity and compares against its stored status.
// A nil result means the ledger and the row agree.
func (s *Service) Verify(ctx context.Context, entityType model.EntityType, entityID string) (*Mismatch, error) {
	stored, err := s.storedStatus(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	history, err := s.store.History(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	replayed, err := Reconstruct(history)
	if err != nil {
		return &Mismatch{
			EntityType:   entityType,
			EntityID:     entityID,
			StoredStatus: stored,
			Detail:       err.Error(),
		}, nil
	}
	if replayed != stored {
		return &Mismatch{
			EntityType:   entityType,
			EntityID:     entityID,
			LedgerStatus: replayed,
			StoredStatus: stored,
		}, nil
	}
	return nil, nil
}

// VerifyAll replays every candidate and order with bounded concurrency
// and collects the disagreements.
func (s *Service) VerifyAll(ctx context.Context, concurrency int) ([]Mismatch, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	var mismatches []Mismatch
	for _, entityType := range []model.EntityType{model.EntityCandidate, model.EntityOrder} {
		ids, err := s.store.ListEntityIDs(ctx, entityType)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			entityType, id := entityType, id
			g.Go(func() error {
				m, err := s.Verify(ctx, entityType, id)
				if err != nil {
					return err
				}
				if m != nil {
					mu.Lock()
					mismatches = append(mismatches, *m)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	zap.L().Info("ledger verification complete",
		zap.Int("mismatches", len(mismatches)))
	return mismatches, nil
}

func (s *Service) storedStatus(ctx context.Context, entityType model.EntityType, entityID string) (string, error) {
	switch entityType {
	case model.EntityCandidate:
		c, err := s.store.GetCandidate(ctx, entityID)
		if err != nil {
			return "", err
		}
		return string(c.Status), nil
	case model.EntityOrder:
		o, err := s.store.GetOrder(ctx, entityID)
		if err != nil {
			return "", err
		}
		return string(o.Status), nil
	case model.EntityIngestion:
		rec, err := s.store.GetIngestion(ctx, entityID)
		if err != nil {
			return "", err
		}
		return string(rec.Status), nil
	default:
		return "", fault.Validation("cannot verify entity type " + string(entityType))
	}
}
