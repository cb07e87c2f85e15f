// Package dedup decides whether a new change proposal is the same change
// as an existing open candidate. Matching is two-stage: a cheap scope
// prefilter on area and material terms, then cosine similarity over
// embeddings. The engine never writes; callers act on the verdict.
package dedup

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/model"
)

// Engine holds the match thresholds.
type Engine struct {
	// SimilarityThreshold is the cosine cutoff above which a candidate
	// counts as the same change.
	SimilarityThreshold float64
	// AmbiguityMargin: two or more candidates above the threshold within
	// this margin of the best score means the engine refuses to pick.
	AmbiguityMargin float64
}

// New returns an Engine with the given thresholds.
func New(similarityThreshold, ambiguityMargin float64) *Engine {
	return &Engine{
		SimilarityThreshold: similarityThreshold,
		AmbiguityMargin:     ambiguityMargin,
	}
}

// Match holds the winning candidate and its similarity score.
type Match struct {
	Candidate model.ChangeCandidate
	Score     float64
}

// Best returns the single open candidate the proposal duplicates, or nil
// when the proposal is a new change. Candidates in terminal or
// non-evidence-accruing states must already be filtered out by the caller.
//
// Returns fault.ErrAmbiguousMatch when more than one candidate clears the
// threshold within AmbiguityMargin of the best; the caller routes the
// proposal to manual review instead of guessing.
func (e *Engine) Best(proposal model.Proposal, candidates []model.ChangeCandidate) (*Match, error) {
	if len(proposal.Embedding) == 0 {
		return nil, nil
	}

	var above []Match
	for _, c := range candidates {
		if !c.Status.Open() {
			continue
		}
		if !scopeOverlap(proposal, c) {
			continue
		}
		score := Cosine(proposal.Embedding, c.Embedding)
		if score >= e.SimilarityThreshold {
			above = append(above, Match{Candidate: c, Score: score})
		}
	}
	if len(above) == 0 {
		return nil, nil
	}

	best := above[0]
	contenders := 0
	for _, m := range above {
		if m.Score > best.Score {
			best = m
		}
	}
	for _, m := range above {
		if best.Score-m.Score <= e.AmbiguityMargin {
			contenders++
		}
	}
	if contenders > 1 {
		zap.L().Info("dedup refused ambiguous match",
			zap.String("project_id", best.Candidate.ProjectID),
			zap.Int("contenders", contenders),
			zap.Float64("best_score", best.Score))
		return nil, fault.ErrAmbiguousMatch
	}

	return &best, nil
}

// scopeOverlap is the prefilter: same area when both declare one, or any
// shared material term. Proposals with no scope hints pass through to the
// similarity stage.
func scopeOverlap(p model.Proposal, c model.ChangeCandidate) bool {
	if p.Area != "" && c.Area != "" {
		return strings.EqualFold(strings.TrimSpace(p.Area), strings.TrimSpace(c.Area))
	}
	pTerms := materialTerms(p.MaterialFrom, p.MaterialTo)
	cTerms := materialTerms(c.MaterialFrom, c.MaterialTo)
	if len(pTerms) == 0 || len(cTerms) == 0 {
		return true
	}
	for term := range pTerms {
		if _, ok := cTerms[term]; ok {
			return true
		}
	}
	return false
}

func materialTerms(values ...string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, v := range values {
		for _, w := range strings.Fields(strings.ToLower(v)) {
			terms[w] = struct{}{}
		}
	}
	return terms
}

// Cosine computes cosine similarity between two vectors. Mismatched
// lengths or zero vectors score 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
