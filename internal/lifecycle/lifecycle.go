// Package lifecycle drives the change-candidate state machine. Every
// transition re-reads current status, validates the edge against the
// closed transition table, and commits the status change together with
// its ledger row through the store.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sitetrace/changeflow/internal/config"
	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/store"
)

// Service executes candidate transitions.
type Service struct {
	store      store.Store
	automation config.AutomationConfig
}

// New returns a lifecycle Service.
func New(st store.Store, automation config.AutomationConfig) *Service {
	return &Service{store: st, automation: automation}
}

// Confirm moves a candidate from proposed or manual_review to confirmed.
// The actor must carry an identity; system actors cannot confirm.
func (s *Service) Confirm(ctx context.Context, candidateID string, actor model.Actor) (*model.ChangeCandidate, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if actor.Type != model.ActorContractor && actor.Type != model.ActorAI {
		return nil, fault.Validation("confirm requires a contractor or ai actor")
	}

	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransitionTo(model.CandidateConfirmed) {
		return nil, fault.InvalidTransition("candidate", candidateID, string(c.Status), string(model.CandidateConfirmed))
	}

	now := time.Now().UTC()
	err = s.store.TransitionCandidate(ctx, candidateID, c.Status, model.CandidateConfirmed,
		store.CandidateUpdate{ConfirmedAt: &now},
		&model.Transition{
			EntityType: model.EntityCandidate,
			EntityID:   candidateID,
			FromStatus: string(c.Status),
			ToStatus:   string(model.CandidateConfirmed),
			Actor:      actor,
		})
	if err != nil {
		return nil, err
	}
	zap.L().Info("candidate confirmed",
		zap.String("candidate_id", candidateID),
		zap.String("actor_type", string(actor.Type)))
	return s.store.GetCandidate(ctx, candidateID)
}

// Reject moves a candidate from proposed or manual_review to rejected.
// A non-empty reason is required; rejected is terminal.
func (s *Service) Reject(ctx context.Context, candidateID string, actor model.Actor, reason string) (*model.ChangeCandidate, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, fault.Validation("rejection requires a reason")
	}

	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CandidateProposed && c.Status != model.CandidateManualReview {
		return nil, fault.InvalidTransition("candidate", candidateID, string(c.Status), string(model.CandidateRejected))
	}

	now := time.Now().UTC()
	err = s.store.TransitionCandidate(ctx, candidateID, c.Status, model.CandidateRejected,
		store.CandidateUpdate{RejectionReason: &reason, RejectedAt: &now},
		&model.Transition{
			EntityType: model.EntityCandidate,
			EntityID:   candidateID,
			FromStatus: string(c.Status),
			ToStatus:   string(model.CandidateRejected),
			Actor:      actor,
			Reason:     reason,
		})
	if err != nil {
		return nil, err
	}
	return s.store.GetCandidate(ctx, candidateID)
}

// Observe records new evidence for a non-terminal candidate. Status does
// not change; confidence is overwritten when provided, latest write wins,
// and may go down if new evidence contradicts. The evidence link write is
// idempotent per (candidate, record) pair.
func (s *Service) Observe(ctx context.Context, candidateID, recordID string, relevance float64, confidence *float64) error {
	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return fault.InvalidTransition("candidate", candidateID, string(c.Status), string(c.Status))
	}

	meta := map[string]any{"record_id": recordID}
	if confidence != nil {
		meta["confidence"] = *confidence
	}
	return s.store.AddEvidence(ctx,
		&model.EvidenceLink{CandidateID: candidateID, RecordID: recordID, Relevance: relevance},
		c.Status,
		confidence,
		&model.Transition{
			EntityType: model.EntityCandidate,
			EntityID:   candidateID,
			FromStatus: string(c.Status),
			ToStatus:   string(c.Status),
			Actor:      model.SystemActor,
			Reason:     "observe",
			Metadata:   meta,
		})
}

// CandidateEdit carries descriptive-field edits. Nil fields are untouched.
type CandidateEdit struct {
	Description  *string
	Area         *string
	MaterialFrom *string
	MaterialTo   *string
}

// Update edits descriptive fields. Allowed only while the candidate is in
// proposed or manual_review; recorded as a same-status ledger entry naming
// the edited fields.
func (s *Service) Update(ctx context.Context, candidateID string, actor model.Actor, edit CandidateEdit) (*model.ChangeCandidate, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CandidateProposed && c.Status != model.CandidateManualReview {
		return nil, fault.InvalidTransition("candidate", candidateID, string(c.Status), string(c.Status))
	}

	var edited []string
	upd := store.CandidateUpdate{}
	if edit.Description != nil {
		if *edit.Description == "" {
			return nil, fault.Validation("description cannot be empty")
		}
		upd.Description = edit.Description
		edited = append(edited, "description")
	}
	if edit.Area != nil {
		upd.Area = edit.Area
		edited = append(edited, "area")
	}
	if edit.MaterialFrom != nil {
		upd.MaterialFrom = edit.MaterialFrom
		edited = append(edited, "material_from")
	}
	if edit.MaterialTo != nil {
		upd.MaterialTo = edit.MaterialTo
		edited = append(edited, "material_to")
	}
	if len(edited) == 0 {
		return c, nil
	}

	err = s.store.TransitionCandidate(ctx, candidateID, c.Status, c.Status, upd,
		&model.Transition{
			EntityType: model.EntityCandidate,
			EntityID:   candidateID,
			FromStatus: string(c.Status),
			ToStatus:   string(c.Status),
			Actor:      actor,
			Reason:     "update",
			Metadata:   map[string]any{"edited_fields": edited},
		})
	if err != nil {
		return nil, err
	}
	return s.store.GetCandidate(ctx, candidateID)
}

// MaybeAutoConfirm applies the confidence-gated automation policy: a
// proposed candidate above the threshold is confirmed with an ai actor
// carrying the extracting model's name, so the ledger always tells
// automated confirmation apart from a human one. Returns true when the
// policy fired.
func (s *Service) MaybeAutoConfirm(ctx context.Context, c *model.ChangeCandidate) (bool, error) {
	if !s.automation.AutoConfirm || c.Status != model.CandidateProposed {
		return false, nil
	}
	if c.Confidence < s.automation.AutoConfirmThreshold {
		return false, nil
	}
	modelID := c.Provenance.ModelUsed
	if modelID == "" {
		modelID = "unknown"
	}
	_, err := s.Confirm(ctx, c.ID, model.Actor{Type: model.ActorAI, ID: modelID})
	if err != nil {
		return false, err
	}
	zap.L().Info("candidate auto-confirmed",
		zap.String("candidate_id", c.ID),
		zap.Float64("confidence", c.Confidence),
		zap.String("model", modelID))
	return true, nil
}

// AttachToOrder moves a confirmed candidate to pending_client. Cascaded
// from the owning order's send, never called directly by users.
func (s *Service) AttachToOrder(ctx context.Context, candidateID, orderID string) error {
	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return err
	}
	if c.Status == model.CandidatePendingClient {
		// Already attached: a re-send is not a new transition.
		return nil
	}
	if !c.Status.CanTransitionTo(model.CandidatePendingClient) {
		return fault.InvalidTransition("candidate", candidateID, string(c.Status), string(model.CandidatePendingClient))
	}
	return s.store.TransitionCandidate(ctx, candidateID, c.Status, model.CandidatePendingClient,
		store.CandidateUpdate{},
		&model.Transition{
			EntityType: model.EntityCandidate,
			EntityID:   candidateID,
			FromStatus: string(c.Status),
			ToStatus:   string(model.CandidatePendingClient),
			Actor:      model.SystemActor,
			Reason:     "attach_to_order",
			Metadata:   map[string]any{"order_id": orderID},
		})
}

// CloseSigned cascades an order signature to a pending_client candidate.
func (s *Service) CloseSigned(ctx context.Context, candidateID, orderID string, actor model.Actor) error {
	return s.close(ctx, candidateID, orderID, model.CandidateSigned, actor, "close_signed")
}

// CloseRejected cascades a client rejection to a pending_client candidate.
func (s *Service) CloseRejected(ctx context.Context, candidateID, orderID string, actor model.Actor) error {
	return s.close(ctx, candidateID, orderID, model.CandidateRejected, actor, "close_rejected")
}

func (s *Service) close(ctx context.Context, candidateID, orderID string, to model.CandidateStatus, actor model.Actor, reason string) error {
	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return err
	}
	if c.Status != model.CandidatePendingClient {
		return fault.InvalidTransition("candidate", candidateID, string(c.Status), string(to))
	}
	upd := store.CandidateUpdate{}
	now := time.Now().UTC()
	if to == model.CandidateRejected {
		upd.RejectedAt = &now
		r := reason
		upd.RejectionReason = &r
	}
	return s.store.TransitionCandidate(ctx, candidateID, model.CandidatePendingClient, to, upd,
		&model.Transition{
			EntityType: model.EntityCandidate,
			EntityID:   candidateID,
			FromStatus: string(model.CandidatePendingClient),
			ToStatus:   string(to),
			Actor:      actor,
			Reason:     reason,
			Metadata:   map[string]any{"order_id": orderID},
		})
}
