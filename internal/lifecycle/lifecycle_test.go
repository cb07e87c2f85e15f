package lifecycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitetrace/changeflow/internal/config"
	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/store"
)

func newTestService(t *testing.T, automation config.AutomationConfig) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, automation), st
}

func seedCandidate(t *testing.T, st store.Store, status model.CandidateStatus, confidence float64) *model.ChangeCandidate {
	t.Helper()
	c := &model.ChangeCandidate{
		ProjectID:   "proj-1",
		Status:      status,
		Description: "replace tile with hardwood",
		Area:        "kitchen",
		Confidence:  confidence,
		Provenance:  model.Provenance{ModelUsed: "extractor-v2"},
	}
	require.NoError(t, st.CreateCandidate(context.Background(), c, nil, nil))
	return c
}

var contractor = model.Actor{Type: model.ActorContractor, ID: "user-7"}

func TestConfirm_FromProposed(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	ctx := context.Background()
	c := seedCandidate(t, st, model.CandidateProposed, 0.8)

	got, err := svc.Confirm(ctx, c.ID, contractor)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedAt)

	hist, err := st.History(ctx, model.EntityCandidate, c.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.ActorContractor, hist[0].Actor.Type)
}

func TestConfirm_FromManualReview(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	c := seedCandidate(t, st, model.CandidateManualReview, 0.5)

	got, err := svc.Confirm(context.Background(), c.ID, contractor)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateConfirmed, got.Status)
}

func TestConfirm_GuardsTerminalAndDoubleConfirm(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	ctx := context.Background()

	c := seedCandidate(t, st, model.CandidateProposed, 0.8)
	_, err := svc.Confirm(ctx, c.ID, contractor)
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, c.ID, contractor)
	require.Error(t, err)
	assert.True(t, eris.Is(err, fault.ErrInvalidTransition))

	rejected := seedCandidate(t, st, model.CandidateRejected, 0.8)
	_, err = svc.Confirm(ctx, rejected.ID, contractor)
	assert.True(t, eris.Is(err, fault.ErrInvalidTransition))
}

func TestConfirm_RequiresIdentifiedActor(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	c := seedCandidate(t, st, model.CandidateProposed, 0.8)

	_, err := svc.Confirm(context.Background(), c.ID, model.Actor{Type: model.ActorContractor})
	assert.True(t, eris.Is(err, fault.ErrValidation))

	_, err = svc.Confirm(context.Background(), c.ID, model.SystemActor)
	assert.True(t, eris.Is(err, fault.ErrValidation))
}

func TestReject_RequiresReason(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	ctx := context.Background()
	c := seedCandidate(t, st, model.CandidateProposed, 0.8)

	_, err := svc.Reject(ctx, c.ID, contractor, "")
	assert.True(t, eris.Is(err, fault.ErrValidation))

	got, err := svc.Reject(ctx, c.ID, contractor, "not in scope")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateRejected, got.Status)
	assert.Equal(t, "not in scope", got.RejectionReason)
	require.NotNil(t, got.RejectedAt)
}

func TestObserve_AppendsEvidenceWithoutStatusChange(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	ctx := context.Background()

	rec := &model.IngestionRecord{
		ProjectID: "proj-1", Channel: model.ChannelMail, ExternalID: "msg-1",
		Payload: map[string]any{"body": "same change again"},
	}
	require.NoError(t, st.CreateIngestion(ctx, rec, nil))
	c := seedCandidate(t, st, model.CandidateProposed, 0.8)

	// Confidence can go down; latest write wins.
	lower := 0.6
	require.NoError(t, svc.Observe(ctx, c.ID, rec.ID, 0.9, &lower))

	got, err := st.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateProposed, got.Status)
	assert.InDelta(t, 0.6, got.Confidence, 1e-9)

	// Idempotent under retry.
	require.NoError(t, svc.Observe(ctx, c.ID, rec.ID, 0.9, nil))
	links, err := st.ListEvidence(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestObserve_RejectsTerminalCandidate(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	c := seedCandidate(t, st, model.CandidateSigned, 0.8)

	err := svc.Observe(context.Background(), c.ID, "rec-1", 0.9, nil)
	assert.True(t, eris.Is(err, fault.ErrInvalidTransition))
}

func TestUpdate_DescriptiveFieldsLedgered(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	ctx := context.Background()
	c := seedCandidate(t, st, model.CandidateProposed, 0.8)

	desc := "replace tile with oak hardwood"
	area := "kitchen and pantry"
	got, err := svc.Update(ctx, c.ID, contractor, CandidateEdit{Description: &desc, Area: &area})
	require.NoError(t, err)
	assert.Equal(t, desc, got.Description)
	assert.Equal(t, area, got.Area)
	assert.Equal(t, model.CandidateProposed, got.Status)

	hist, err := st.History(ctx, model.EntityCandidate, c.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "update", hist[0].Reason)
	fields := hist[0].Metadata["edited_fields"].([]any)
	assert.Len(t, fields, 2)
}

func TestUpdate_RejectedAfterConfirm(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	ctx := context.Background()
	c := seedCandidate(t, st, model.CandidateConfirmed, 0.8)

	desc := "changed"
	_, err := svc.Update(ctx, c.ID, contractor, CandidateEdit{Description: &desc})
	assert.True(t, eris.Is(err, fault.ErrInvalidTransition))
}

func TestMaybeAutoConfirm_AboveThreshold(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{AutoConfirm: true, AutoConfirmThreshold: 0.9})
	ctx := context.Background()
	c := seedCandidate(t, st, model.CandidateProposed, 0.97)

	fired, err := svc.MaybeAutoConfirm(ctx, c)
	require.NoError(t, err)
	assert.True(t, fired)

	got, err := st.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateConfirmed, got.Status)

	hist, err := st.History(ctx, model.EntityCandidate, c.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.ActorAI, hist[0].Actor.Type)
	assert.Equal(t, "extractor-v2", hist[0].Actor.ID)
}

func TestMaybeAutoConfirm_BelowThresholdOrDisabled(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{AutoConfirm: true, AutoConfirmThreshold: 0.9})
	ctx := context.Background()

	low := seedCandidate(t, st, model.CandidateProposed, 0.85)
	fired, err := svc.MaybeAutoConfirm(ctx, low)
	require.NoError(t, err)
	assert.False(t, fired)

	off, _ := newTestService(t, config.AutomationConfig{AutoConfirm: false, AutoConfirmThreshold: 0.9})
	fired, err = off.MaybeAutoConfirm(ctx, low)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestAttachAndClose_Cascade(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	ctx := context.Background()
	c := seedCandidate(t, st, model.CandidateConfirmed, 0.8)

	require.NoError(t, svc.AttachToOrder(ctx, c.ID, "ord-1"))
	got, err := st.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidatePendingClient, got.Status)

	// Re-send attach is a no-op.
	require.NoError(t, svc.AttachToOrder(ctx, c.ID, "ord-1"))

	client := model.Actor{Type: model.ActorClient, ID: "203.0.113.9"}
	require.NoError(t, svc.CloseSigned(ctx, c.ID, "ord-1", client))
	got, err = st.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateSigned, got.Status)

	// Terminal now.
	err = svc.CloseRejected(ctx, c.ID, "ord-1", client)
	assert.True(t, eris.Is(err, fault.ErrInvalidTransition))
}

func TestAttach_RequiresConfirmed(t *testing.T) {
	svc, st := newTestService(t, config.AutomationConfig{})
	c := seedCandidate(t, st, model.CandidateProposed, 0.8)

	err := svc.AttachToOrder(context.Background(), c.ID, "ord-1")
	assert.True(t, eris.Is(err, fault.ErrInvalidTransition))
}
