package model

import "time"

// CandidateStatus represents the lifecycle state of a change candidate.
type CandidateStatus string

const (
	CandidateProposed      CandidateStatus = "proposed"
	CandidateConfirmed     CandidateStatus = "confirmed"
	CandidateRejected      CandidateStatus = "rejected"
	CandidatePendingClient CandidateStatus = "pending_client"
	CandidateSigned        CandidateStatus = "signed"
	CandidateManualReview  CandidateStatus = "manual_review"
)

// candidateTransitions is the closed transition table for candidates.
// Illegal edges fail at guard time, never as a silent overwrite.
var candidateTransitions = map[CandidateStatus][]CandidateStatus{
	CandidateProposed:      {CandidateConfirmed, CandidateRejected},
	CandidateManualReview:  {CandidateConfirmed, CandidateRejected},
	CandidateConfirmed:     {CandidatePendingClient},
	CandidatePendingClient: {CandidateSigned, CandidateRejected},
	CandidateRejected:      {},
	CandidateSigned:        {},
}

// Terminal reports whether s accepts no further transitions.
func (s CandidateStatus) Terminal() bool {
	return s == CandidateRejected || s == CandidateSigned
}

// Open reports whether a candidate in s may still accrue evidence and be
// considered by the dedup engine.
func (s CandidateStatus) Open() bool {
	return s == CandidateProposed || s == CandidateManualReview || s == CandidatePendingClient
}

// CanTransitionTo reports whether the edge s -> to is in the table.
func (s CandidateStatus) CanTransitionTo(to CandidateStatus) bool {
	for _, next := range candidateTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Provenance records how a candidate was extracted.
type Provenance struct {
	PromptVersion    string `json:"prompt_version,omitempty"`
	ModelUsed        string `json:"model_used,omitempty"`
	TokensUsed       int    `json:"tokens_used,omitempty"`
	ProcessingTimeMS int64  `json:"processing_time_ms,omitempty"`
}

// ChangeCandidate is a detected, possibly-unconfirmed scope or material
// change under evaluation. Once signed it is immutable.
type ChangeCandidate struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	Status          CandidateStatus `json:"status"`
	Description     string          `json:"description"`
	Area            string          `json:"area,omitempty"`
	MaterialFrom    string          `json:"material_from,omitempty"`
	MaterialTo      string          `json:"material_to,omitempty"`
	Confidence      float64         `json:"confidence"`
	Embedding       []float64       `json:"embedding,omitempty"`
	RawText         string          `json:"raw_text,omitempty"`
	Provenance      Provenance      `json:"provenance"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// EvidenceLink joins an ingestion record to a candidate it supports.
// Unique per (candidate, record) pair; relevance is advisory only.
type EvidenceLink struct {
	CandidateID string    `json:"candidate_id"`
	RecordID    string    `json:"record_id"`
	Relevance   float64   `json:"relevance"`
	CreatedAt   time.Time `json:"created_at"`
}
