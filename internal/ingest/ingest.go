// Package ingest orchestrates intake and processing of raw communication
// records. Intake is idempotent on the external identifier; processing
// claims a queued record, runs every extracted proposal through the dedup
// engine, and either links new evidence to an open candidate or seeds a
// new one. Failures leave the record in failed with detail; retries
// belong to the external scheduler, never to this package.
package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sitetrace/changeflow/internal/config"
	"github.com/sitetrace/changeflow/internal/dedup"
	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/lifecycle"
	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/store"
)

// Service runs ingestion intake and processing.
type Service struct {
	store     store.Store
	engine    *dedup.Engine
	lifecycle *lifecycle.Service
	dedupCfg  config.DedupConfig
	ingestCfg config.IngestConfig
}

// New returns an ingest Service.
func New(st store.Store, engine *dedup.Engine, lc *lifecycle.Service, dedupCfg config.DedupConfig, ingestCfg config.IngestConfig) *Service {
	return &Service{store: st, engine: engine, lifecycle: lc, dedupCfg: dedupCfg, ingestCfg: ingestCfg}
}

// AcceptStatus is the intake outcome reported to the connector.
type AcceptStatus string

const (
	Accepted  AcceptStatus = "accepted"
	Duplicate AcceptStatus = "duplicate"
)

// AcceptResult carries the intake outcome and the authoritative record,
// which for a duplicate is the previously stored one.
type AcceptResult struct {
	Status AcceptStatus           `json:"status"`
	Record *model.IngestionRecord `json:"record"`
}

// Accept stores an inbound record, or idempotently re-reports the prior
// outcome when the external identifier was seen before. Duplicate
// detection is exact and case-sensitive, and short-circuits with no side
// effects.
func (s *Service) Accept(ctx context.Context, rec *model.IngestionRecord) (*AcceptResult, error) {
	if rec.ExternalID == "" {
		return nil, fault.Validation("ingestion requires an external id")
	}
	if rec.ProjectID == "" {
		return nil, fault.Validation("ingestion requires a project id")
	}
	if !rec.Channel.Valid() {
		return nil, fault.Validation("unknown channel " + string(rec.Channel))
	}

	prior, err := s.store.FindIngestionByExternalID(ctx, rec.ExternalID)
	if err == nil {
		return &AcceptResult{Status: Duplicate, Record: prior}, nil
	}
	if !eris.Is(err, fault.ErrNotFound) {
		return nil, err
	}

	rec.Status = model.ProcessingQueued
	err = s.store.CreateIngestion(ctx, rec, &model.Transition{
		EntityType: model.EntityIngestion,
		ToStatus:   string(model.ProcessingQueued),
		Actor:      model.SystemActor,
		Metadata:   map[string]any{"channel": string(rec.Channel), "external_id": rec.ExternalID},
	})
	if err != nil {
		// Lost a concurrent intake race for the same external id: report
		// the winner's record as the duplicate outcome.
		if eris.Is(err, fault.ErrConflict) {
			prior, gerr := s.store.FindIngestionByExternalID(ctx, rec.ExternalID)
			if gerr != nil {
				return nil, gerr
			}
			return &AcceptResult{Status: Duplicate, Record: prior}, nil
		}
		return nil, err
	}
	return &AcceptResult{Status: Accepted, Record: rec}, nil
}

// ProcessResult summarizes one processing pass.
type ProcessResult struct {
	Linked        int      `json:"linked"`
	Created       int      `json:"created"`
	ManualReview  int      `json:"manual_review"`
	AutoConfirmed int      `json:"auto_confirmed"`
	CandidateIDs  []string `json:"candidate_ids"`
}

// Process claims a queued record and applies the already-extracted
// proposals: each one is matched against the project's open candidates
// and either linked as new evidence (observe) or seeded as a new
// candidate. Ambiguous matches and low-confidence proposals land in
// manual_review; the confidence-gated automation policy may then confirm
// freshly seeded proposed candidates.
func (s *Service) Process(ctx context.Context, recordID string, proposals []model.Proposal) (*ProcessResult, error) {
	rec, err := s.store.GetIngestion(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := s.claim(ctx, rec); err != nil {
		return nil, err
	}

	result, err := s.apply(ctx, rec, proposals)
	if err != nil {
		if ferr := s.store.TransitionIngestion(ctx, recordID, model.ProcessingInProgress, model.ProcessingFailed,
			err.Error(), s.recordTr(recordID, model.ProcessingInProgress, model.ProcessingFailed)); ferr != nil {
			zap.L().Error("failed to mark ingestion failed",
				zap.String("record_id", recordID), zap.Error(ferr))
		}
		return nil, err
	}

	err = s.store.TransitionIngestion(ctx, recordID, model.ProcessingInProgress, model.ProcessingCompleted,
		"", s.recordTr(recordID, model.ProcessingInProgress, model.ProcessingCompleted))
	if err != nil {
		return nil, err
	}

	zap.L().Info("ingestion processed",
		zap.String("record_id", recordID),
		zap.Int("linked", result.Linked),
		zap.Int("created", result.Created),
		zap.Int("manual_review", result.ManualReview))
	return result, nil
}

func (s *Service) claim(ctx context.Context, rec *model.IngestionRecord) error {
	switch rec.Status {
	case model.ProcessingQueued, model.ProcessingFailed:
		// Failed records are re-claimable; the external scheduler decides
		// when to retry.
		return s.store.TransitionIngestion(ctx, rec.ID, rec.Status, model.ProcessingInProgress,
			"", s.recordTr(rec.ID, rec.Status, model.ProcessingInProgress))
	default:
		return fault.InvalidTransition("ingestion", rec.ID, string(rec.Status), string(model.ProcessingInProgress))
	}
}

func (s *Service) apply(ctx context.Context, rec *model.IngestionRecord, proposals []model.Proposal) (*ProcessResult, error) {
	result := &ProcessResult{}
	for _, p := range proposals {
		if err := p.Validate(); err != nil {
			return nil, err
		}

		open, err := s.store.ListCandidates(ctx, rec.ProjectID,
			model.CandidateProposed, model.CandidateManualReview, model.CandidatePendingClient)
		if err != nil {
			return nil, err
		}

		match, err := s.engine.Best(p, open)
		switch {
		case err != nil && eris.Is(err, fault.ErrAmbiguousMatch):
			// Never auto-link an ambiguous proposal; a human untangles it.
			id, cerr := s.seed(ctx, rec, p, model.CandidateManualReview, "ambiguous match")
			if cerr != nil {
				return nil, cerr
			}
			result.ManualReview++
			result.CandidateIDs = append(result.CandidateIDs, id)
		case err != nil:
			return nil, err
		case match != nil:
			conf := p.Confidence
			if err := s.lifecycle.Observe(ctx, match.Candidate.ID, rec.ID, match.Score, &conf); err != nil {
				return nil, err
			}
			result.Linked++
			result.CandidateIDs = append(result.CandidateIDs, match.Candidate.ID)
		default:
			status := model.CandidateProposed
			reason := ""
			if p.Confidence < s.dedupCfg.ReviewFloor {
				status = model.CandidateManualReview
				reason = "confidence below review floor"
			}
			id, cerr := s.seed(ctx, rec, p, status, reason)
			if cerr != nil {
				return nil, cerr
			}
			result.CandidateIDs = append(result.CandidateIDs, id)
			if status == model.CandidateManualReview {
				result.ManualReview++
				continue
			}
			result.Created++

			c, err := s.store.GetCandidate(ctx, id)
			if err != nil {
				return nil, err
			}
			fired, err := s.lifecycle.MaybeAutoConfirm(ctx, c)
			if err != nil {
				return nil, err
			}
			if fired {
				result.AutoConfirmed++
			}
		}
	}
	return result, nil
}

// seed creates a candidate from a proposal, atomically with its first
// evidence link and creation ledger row.
func (s *Service) seed(ctx context.Context, rec *model.IngestionRecord, p model.Proposal, status model.CandidateStatus, reason string) (string, error) {
	c := &model.ChangeCandidate{
		ProjectID:    rec.ProjectID,
		Status:       status,
		Description:  p.Description,
		Area:         p.Area,
		MaterialFrom: p.MaterialFrom,
		MaterialTo:   p.MaterialTo,
		Confidence:   p.Confidence,
		Embedding:    p.Embedding,
		RawText:      p.RawText,
		Provenance: model.Provenance{
			PromptVersion:    p.PromptVersion,
			ModelUsed:        p.ModelUsed,
			TokensUsed:       p.TokensUsed,
			ProcessingTimeMS: p.ProcessingTimeMS,
		},
	}
	link := &model.EvidenceLink{RecordID: rec.ID, Relevance: p.Confidence}
	err := s.store.CreateCandidate(ctx, c, link, &model.Transition{
		EntityType: model.EntityCandidate,
		ToStatus:   string(status),
		Actor:      model.SystemActor,
		Reason:     reason,
		Metadata:   map[string]any{"record_id": rec.ID},
	})
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// Stale lists records stuck in processing beyond the configured window.
// Reclaim is the external scheduler's call; this is only the query.
func (s *Service) Stale(ctx context.Context) ([]model.IngestionRecord, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(s.ingestCfg.StaleAfterMinutes) * time.Minute)
	return s.store.StaleIngestions(ctx, cutoff)
}

func (s *Service) recordTr(recordID string, from, to model.ProcessingStatus) *model.Transition {
	return &model.Transition{
		EntityType: model.EntityIngestion,
		EntityID:   recordID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Actor:      model.SystemActor,
	}
}
