package model

import "github.com/sitetrace/changeflow/internal/fault"

// Proposal is one structured change proposal produced by the external
// extraction process. The core never calls a model itself; it accepts
// these as already-produced inputs alongside the ingestion record they
// came from.
type Proposal struct {
	Description      string    `json:"description"`
	Area             string    `json:"area,omitempty"`
	MaterialFrom     string    `json:"material_from,omitempty"`
	MaterialTo       string    `json:"material_to,omitempty"`
	Confidence       float64   `json:"confidence"`
	RawText          string    `json:"raw_text,omitempty"`
	Embedding        []float64 `json:"embedding,omitempty"`
	PromptVersion    string    `json:"prompt_version,omitempty"`
	ModelUsed        string    `json:"model_used,omitempty"`
	TokensUsed       int       `json:"tokens_used,omitempty"`
	ProcessingTimeMS int64     `json:"processing_time_ms,omitempty"`
}

// Validate checks the fields the state machine depends on.
func (p Proposal) Validate() error {
	if p.Description == "" {
		return fault.Validation("proposal requires a description")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fault.Validation("proposal confidence must be in [0,1]")
	}
	return nil
}
