package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitetrace/changeflow/internal/config"
	"github.com/sitetrace/changeflow/internal/dedup"
	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/lifecycle"
	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/store"
)

func newTestIngest(t *testing.T, automation config.AutomationConfig) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	dedupCfg := config.DedupConfig{SimilarityThreshold: 0.92, AmbiguityMargin: 0.05, ReviewFloor: 0.70}
	lc := lifecycle.New(st, automation)
	svc := New(st, dedup.New(dedupCfg.SimilarityThreshold, dedupCfg.AmbiguityMargin), lc,
		dedupCfg, config.IngestConfig{StaleAfterMinutes: 15})
	return svc, st
}

func inbound(externalID string) *model.IngestionRecord {
	return &model.IngestionRecord{
		ProjectID:  "proj-1",
		Channel:    model.ChannelMail,
		ExternalID: externalID,
		Payload:    map[string]any{"body": "please switch the kitchen floor to hardwood"},
		Sender:     "client@example.com",
	}
}

func proposal(confidence float64, embedding []float64) model.Proposal {
	return model.Proposal{
		Description:  "replace tile with hardwood in kitchen",
		Area:         "kitchen",
		MaterialFrom: "tile",
		MaterialTo:   "hardwood",
		Confidence:   confidence,
		Embedding:    embedding,
		ModelUsed:    "extractor-v2",
	}
}

func TestAccept_ThenDuplicate(t *testing.T) {
	svc, st := newTestIngest(t, config.AutomationConfig{})
	ctx := context.Background()

	res, err := svc.Accept(ctx, inbound("msg-1"))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Status)
	firstID := res.Record.ID

	// Same external id: idempotent re-report, no second record.
	res, err = svc.Accept(ctx, inbound("msg-1"))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Status)
	assert.Equal(t, firstID, res.Record.ID)

	hist, err := st.History(ctx, model.EntityIngestion, firstID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestAccept_Validation(t *testing.T) {
	svc, _ := newTestIngest(t, config.AutomationConfig{})
	ctx := context.Background()

	rec := inbound("")
	_, err := svc.Accept(ctx, rec)
	assert.True(t, eris.Is(err, fault.ErrValidation))

	rec = inbound("msg-2")
	rec.Channel = "pigeon"
	_, err = svc.Accept(ctx, rec)
	assert.True(t, eris.Is(err, fault.ErrValidation))

	rec = inbound("msg-3")
	rec.ProjectID = ""
	_, err = svc.Accept(ctx, rec)
	assert.True(t, eris.Is(err, fault.ErrValidation))
}

func TestProcess_SeedsNewCandidate(t *testing.T) {
	svc, st := newTestIngest(t, config.AutomationConfig{})
	ctx := context.Background()

	res, err := svc.Accept(ctx, inbound("msg-1"))
	require.NoError(t, err)

	out, err := svc.Process(ctx, res.Record.ID, []model.Proposal{proposal(0.88, []float64{1, 0, 0})})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Created)
	assert.Zero(t, out.Linked)
	require.Len(t, out.CandidateIDs, 1)

	c, err := st.GetCandidate(ctx, out.CandidateIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.CandidateProposed, c.Status)
	assert.Equal(t, "extractor-v2", c.Provenance.ModelUsed)

	rec, err := st.GetIngestion(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingCompleted, rec.Status)

	links, err := st.ListEvidence(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestProcess_LinksToExistingCandidate(t *testing.T) {
	svc, st := newTestIngest(t, config.AutomationConfig{})
	ctx := context.Background()

	first, err := svc.Accept(ctx, inbound("msg-1"))
	require.NoError(t, err)
	out, err := svc.Process(ctx, first.Record.ID, []model.Proposal{proposal(0.88, []float64{1, 0, 0})})
	require.NoError(t, err)
	candidateID := out.CandidateIDs[0]

	// A second message about the same change links instead of seeding.
	second, err := svc.Accept(ctx, inbound("msg-2"))
	require.NoError(t, err)
	out, err = svc.Process(ctx, second.Record.ID, []model.Proposal{proposal(0.95, []float64{0.99, 0.05, 0})})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Linked)
	assert.Zero(t, out.Created)
	assert.Equal(t, candidateID, out.CandidateIDs[0])

	links, err := st.ListEvidence(ctx, candidateID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	// Latest write wins on confidence.
	c, err := st.GetCandidate(ctx, candidateID)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, c.Confidence, 1e-9)
}

func TestProcess_AmbiguousGoesToManualReview(t *testing.T) {
	svc, st := newTestIngest(t, config.AutomationConfig{})
	ctx := context.Background()

	// Two near-identical open candidates.
	for i := 0; i < 2; i++ {
		rec, err := svc.Accept(ctx, inbound("seed-"+string(rune('a'+i))))
		require.NoError(t, err)
		p := proposal(0.9, []float64{1, float64(i) * 0.01, 0})
		p.Area = "kitchen " + string(rune('a'+i))
		_, err = svc.Process(ctx, rec.Record.ID, []model.Proposal{p})
		require.NoError(t, err)
	}

	rec, err := svc.Accept(ctx, inbound("msg-ambiguous"))
	require.NoError(t, err)
	p := proposal(0.9, []float64{1, 0.005, 0})
	p.Area = "" // fall through to material overlap against both
	out, err := svc.Process(ctx, rec.Record.ID, []model.Proposal{p})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ManualReview)
	assert.Zero(t, out.Linked)

	c, err := st.GetCandidate(ctx, out.CandidateIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.CandidateManualReview, c.Status)
}

func TestProcess_LowConfidenceGoesToManualReview(t *testing.T) {
	svc, st := newTestIngest(t, config.AutomationConfig{})
	ctx := context.Background()

	rec, err := svc.Accept(ctx, inbound("msg-low"))
	require.NoError(t, err)
	out, err := svc.Process(ctx, rec.Record.ID, []model.Proposal{proposal(0.55, []float64{1, 0, 0})})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ManualReview)
	assert.Zero(t, out.Created)

	c, err := st.GetCandidate(ctx, out.CandidateIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.CandidateManualReview, c.Status)
}

func TestProcess_AutoConfirmsHighConfidence(t *testing.T) {
	svc, st := newTestIngest(t, config.AutomationConfig{AutoConfirm: true, AutoConfirmThreshold: 0.9})
	ctx := context.Background()

	rec, err := svc.Accept(ctx, inbound("msg-high"))
	require.NoError(t, err)
	out, err := svc.Process(ctx, rec.Record.ID, []model.Proposal{proposal(0.97, []float64{1, 0, 0})})
	require.NoError(t, err)
	assert.Equal(t, 1, out.AutoConfirmed)

	c, err := st.GetCandidate(ctx, out.CandidateIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.CandidateConfirmed, c.Status)

	hist, err := st.History(ctx, model.EntityCandidate, c.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.ActorAI, hist[1].Actor.Type)
	assert.Equal(t, "extractor-v2", hist[1].Actor.ID)
}

func TestProcess_InvalidProposalMarksFailed(t *testing.T) {
	svc, st := newTestIngest(t, config.AutomationConfig{})
	ctx := context.Background()

	rec, err := svc.Accept(ctx, inbound("msg-bad"))
	require.NoError(t, err)
	_, err = svc.Process(ctx, rec.Record.ID, []model.Proposal{{Confidence: 0.8}})
	require.Error(t, err)
	assert.True(t, eris.Is(err, fault.ErrValidation))

	got, err := st.GetIngestion(ctx, rec.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingFailed, got.Status)
	assert.NotEmpty(t, got.ErrorDetail)
}

func TestProcess_FailedRecordIsReclaimable(t *testing.T) {
	svc, st := newTestIngest(t, config.AutomationConfig{})
	ctx := context.Background()

	rec, err := svc.Accept(ctx, inbound("msg-retry"))
	require.NoError(t, err)
	_, err = svc.Process(ctx, rec.Record.ID, []model.Proposal{{Confidence: 0.8}})
	require.Error(t, err)

	out, err := svc.Process(ctx, rec.Record.ID, []model.Proposal{proposal(0.88, []float64{1, 0, 0})})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Created)

	got, err := st.GetIngestion(ctx, rec.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingCompleted, got.Status)
	assert.Empty(t, got.ErrorDetail)
}

func TestProcess_CompletedRecordCannotBeReclaimed(t *testing.T) {
	svc, _ := newTestIngest(t, config.AutomationConfig{})
	ctx := context.Background()

	rec, err := svc.Accept(ctx, inbound("msg-done"))
	require.NoError(t, err)
	_, err = svc.Process(ctx, rec.Record.ID, nil)
	require.NoError(t, err)

	_, err = svc.Process(ctx, rec.Record.ID, nil)
	require.Error(t, err)
	assert.True(t, eris.Is(err, fault.ErrInvalidTransition))
}

func TestStale(t *testing.T) {
	svc, st := newTestIngest(t, config.AutomationConfig{})
	ctx := context.Background()

	rec, err := svc.Accept(ctx, inbound("msg-stuck"))
	require.NoError(t, err)
	require.NoError(t, st.TransitionIngestion(ctx, rec.Record.ID,
		model.ProcessingQueued, model.ProcessingInProgress, "", nil))

	// Window of 15 minutes: a record claimed just now is not stale.
	stale, err := svc.Stale(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)

	zero := New(st, dedup.New(0.92, 0.05), lifecycle.New(st, config.AutomationConfig{}),
		config.DedupConfig{}, config.IngestConfig{StaleAfterMinutes: -1})
	stale, err = zero.Stale(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, rec.Record.ID, stale[0].ID)
}
