package order

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitetrace/changeflow/internal/config"
	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/lifecycle"
	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/store"
)

type stubRenderer struct {
	ref string
	err error
}

func (r stubRenderer) Render(context.Context, *model.ChangeOrder, []model.ChangeOrderItem) (string, error) {
	return r.ref, r.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	tokens []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, _ *model.ChangeOrder, tokenValue string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens = append(n.tokens, tokenValue)
	return nil
}

func (n *recordingNotifier) last(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.tokens)
	return n.tokens[len(n.tokens)-1]
}

var contractor = model.Actor{Type: model.ActorContractor, ID: "user-7"}

func newTestService(t *testing.T) (*Service, store.Store, *recordingNotifier) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	lc := lifecycle.New(st, config.AutomationConfig{})
	notifier := &recordingNotifier{}
	svc := New(st, lc, stubRenderer{ref: "doc://rendered"}, notifier,
		config.ConsentConfig{TokenExpiryDays: 2},
		config.PricingConfig{DefaultMarkupPercent: "10", DefaultTaxPercent: "5", Currency: "USD"})
	return svc, st, notifier
}

func seedConfirmed(t *testing.T, st store.Store) *model.ChangeCandidate {
	t.Helper()
	c := &model.ChangeCandidate{
		ProjectID:   "proj-1",
		Status:      model.CandidateConfirmed,
		Description: "replace tile with hardwood",
		Confidence:  0.9,
	}
	require.NoError(t, st.CreateCandidate(context.Background(), c, nil, nil))
	return c
}

func TestCreate_UsesPricingDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)

	o, err := svc.Create(context.Background(), "proj-1", "kitchen changes", contractor)
	require.NoError(t, err)
	assert.Equal(t, model.OrderDraft, o.Status)
	assert.Equal(t, "10", o.MarkupPercent.String())
	assert.Equal(t, "5", o.TaxPercent.String())
	assert.Equal(t, "USD", o.Currency)
	assert.Equal(t, 1, o.OrderSeq)
}

func TestAddItem_PricingScenario(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	o, err := svc.Create(ctx, "proj-1", "", contractor)
	require.NoError(t, err)

	// Two $100 items, markup 10%, tax 5%.
	for i := 0; i < 2; i++ {
		_, err = svc.AddItem(ctx, o.ID, ItemInput{
			Description: "flooring work",
			Category:    model.CategoryLabor,
			Quantity:    decimal.NewFromInt(1),
			UnitCost:    decimal.NewFromInt(100),
		})
		require.NoError(t, err)
	}

	got, err := st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "200", got.Subtotal.String())
	assert.Equal(t, "20", got.MarkupAmount.String())
	assert.Equal(t, "10", got.TaxAmount.String())
	assert.Equal(t, "230", got.Total.String())
}

func TestAddItem_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	o, err := svc.Create(ctx, "proj-1", "", contractor)
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, o.ID, ItemInput{Quantity: decimal.NewFromInt(1), UnitCost: decimal.NewFromInt(10)})
	assert.True(t, eris.Is(err, fault.ErrValidation))

	_, err = svc.AddItem(ctx, o.ID, ItemInput{Description: "x", Quantity: decimal.Zero, UnitCost: decimal.NewFromInt(10)})
	assert.True(t, eris.Is(err, fault.ErrValidation))
}

func TestAddItem_RejectsUnconfirmedCandidate(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	o, err := svc.Create(ctx, "proj-1", "", contractor)
	require.NoError(t, err)

	proposed := &model.ChangeCandidate{ProjectID: "proj-1", Status: model.CandidateProposed, Description: "x"}
	require.NoError(t, st.CreateCandidate(ctx, proposed, nil, nil))

	_, err = svc.AddItem(ctx, o.ID, ItemInput{
		CandidateID: proposed.ID,
		Description: "work",
		Quantity:    decimal.NewFromInt(1),
		UnitCost:    decimal.NewFromInt(10),
	})
	assert.True(t, eris.Is(err, fault.ErrInvalidTransition))
}

func TestUpdateAndRemoveItem(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	o, err := svc.Create(ctx, "proj-1", "", contractor)
	require.NoError(t, err)
	item, err := svc.AddItem(ctx, o.ID, ItemInput{
		Description: "labor",
		Quantity:    decimal.NewFromInt(4),
		UnitCost:    decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	_, err = svc.UpdateItem(ctx, o.ID, item.ID, ItemInput{
		Description: "labor (revised)",
		Quantity:    decimal.NewFromInt(2),
		UnitCost:    decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	got, err := st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", got.Subtotal.String())

	require.NoError(t, svc.RemoveItem(ctx, o.ID, item.ID))
	got, err = st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Total.IsZero())

	_, err = svc.UpdateItem(ctx, o.ID, "missing", ItemInput{
		Description: "x", Quantity: decimal.NewFromInt(1), UnitCost: decimal.Zero,
	})
	assert.True(t, eris.Is(err, fault.ErrNotFound))
}

func sendableOrder(t *testing.T, svc *Service, st store.Store) (*model.ChangeOrder, *model.ChangeCandidate) {
	t.Helper()
	ctx := context.Background()
	o, err := svc.Create(ctx, "proj-1", "kitchen", contractor)
	require.NoError(t, err)
	c := seedConfirmed(t, st)
	_, err = svc.AddItem(ctx, o.ID, ItemInput{
		CandidateID: c.ID,
		Description: "hardwood flooring",
		Category:    model.CategoryMaterial,
		Quantity:    decimal.NewFromInt(20),
		Unit:        "sqm",
		UnitCost:    decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	return o, c
}

func TestSend_MintsTokenAndCascadesAttach(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()
	o, c := sendableOrder(t, svc, st)

	sent, err := svc.Send(ctx, o.ID, "client@example.com", contractor)
	require.NoError(t, err)
	assert.Equal(t, model.OrderSentToClient, sent.Status)
	assert.Equal(t, "doc://rendered", sent.DocumentRef)
	require.NotNil(t, sent.SentAt)

	got, err := st.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidatePendingClient, got.Status)

	tok, err := st.GetToken(ctx, notifier.last(t))
	require.NoError(t, err)
	assert.Equal(t, o.ID, tok.OrderID)
	assert.Equal(t, "client@example.com", tok.Recipient)
}

func TestSend_RequiresItems(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	o, err := svc.Create(ctx, "proj-1", "", contractor)
	require.NoError(t, err)

	_, err = svc.Send(ctx, o.ID, "client@example.com", contractor)
	assert.True(t, eris.Is(err, fault.ErrValidation))
}

func TestSend_RenderFailureProceedsWithoutDocument(t *testing.T) {
	svc, st, _ := newTestService(t)
	svc.renderer = stubRenderer{err: eris.New("pdf service down")}
	ctx := context.Background()
	o, _ := sendableOrder(t, svc, st)

	sent, err := svc.Send(ctx, o.ID, "client@example.com", contractor)
	require.NoError(t, err)
	assert.Equal(t, model.OrderSentToClient, sent.Status)
	assert.Empty(t, sent.DocumentRef)
}

func TestSend_ResendRotatesToken(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()
	o, _ := sendableOrder(t, svc, st)

	_, err := svc.Send(ctx, o.ID, "client@example.com", contractor)
	require.NoError(t, err)
	first := notifier.last(t)

	_, err = svc.Send(ctx, o.ID, "client@example.com", contractor)
	require.NoError(t, err)
	second := notifier.last(t)
	require.NotEqual(t, first, second)

	// The superseded token is no longer redeemable.
	_, err = svc.Redeem(ctx, first, DecisionSign, ClientMeta{IP: "203.0.113.9"})
	assert.True(t, eris.Is(err, fault.ErrTokenExpired))

	_, err = svc.Redeem(ctx, second, DecisionSign, ClientMeta{IP: "203.0.113.9"})
	require.NoError(t, err)
}

func TestAddItem_AfterSendAttachesCandidate(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()
	o, _ := sendableOrder(t, svc, st)
	_, err := svc.Send(ctx, o.ID, "client@example.com", contractor)
	require.NoError(t, err)

	// A confirmed candidate joining a sent order goes pending right away,
	// so the eventual signature can close it.
	late := seedConfirmed(t, st)
	_, err = svc.AddItem(ctx, o.ID, ItemInput{
		CandidateID: late.ID,
		Description: "extra trim work",
		Category:    model.CategoryLabor,
		Quantity:    decimal.NewFromInt(3),
		UnitCost:    decimal.NewFromInt(40),
	})
	require.NoError(t, err)

	got, err := st.GetCandidate(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidatePendingClient, got.Status)

	signed, err := svc.Redeem(ctx, notifier.last(t), DecisionSign, ClientMeta{IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderSigned, signed.Status)

	got, err = st.GetCandidate(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateSigned, got.Status)
}

func TestSend_ResendAttachesLateLinkedCandidates(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	o, _ := sendableOrder(t, svc, st)
	_, err := svc.Send(ctx, o.ID, "client@example.com", contractor)
	require.NoError(t, err)

	// An item written behind the service's back leaves its candidate
	// confirmed; the re-send picks it up.
	late := seedConfirmed(t, st)
	require.NoError(t, st.SaveItem(ctx, &model.ChangeOrderItem{
		OrderID:     o.ID,
		CandidateID: late.ID,
		Description: "extra trim work",
		Category:    model.CategoryLabor,
		Quantity:    decimal.NewFromInt(3),
		Unit:        "hour",
		UnitCost:    decimal.NewFromInt(40),
	}))

	_, err = svc.Send(ctx, o.ID, "client@example.com", contractor)
	require.NoError(t, err)

	got, err := st.GetCandidate(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidatePendingClient, got.Status)
}

func TestRedeem_SignCascades(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()
	o, c := sendableOrder(t, svc, st)
	_, err := svc.Send(ctx, o.ID, "client@example.com", contractor)
	require.NoError(t, err)

	signed, err := svc.Redeem(ctx, notifier.last(t), DecisionSign,
		ClientMeta{IP: "203.0.113.9", UserAgent: "Mozilla/5.0"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderSigned, signed.Status)
	require.NotNil(t, signed.Consent)
	assert.Equal(t, "203.0.113.9", signed.Consent.ClientIP)
	require.NotNil(t, signed.SignedAt)

	got, err := st.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateSigned, got.Status)

	// Terminal: item mutation is rejected.
	_, err = svc.AddItem(ctx, o.ID, ItemInput{
		Description: "late", Quantity: decimal.NewFromInt(1), UnitCost: decimal.NewFromInt(1),
	})
	assert.True(t, eris.Is(err, fault.ErrInvalidTransition))
}

func TestRedeem_RejectCascades(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()
	o, c := sendableOrder(t, svc, st)
	_, err := svc.Send(ctx, o.ID, "client@example.com", contractor)
	require.NoError(t, err)

	rejected, err := svc.Redeem(ctx, notifier.last(t), DecisionReject, ClientMeta{IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejectedByClient, rejected.Status)
	assert.Nil(t, rejected.Consent)

	got, err := st.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateRejected, got.Status)
}

func TestRedeem_InvalidDecision(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Redeem(context.Background(), "whatever", Decision("maybe"), ClientMeta{})
	assert.True(t, eris.Is(err, fault.ErrValidation))
}

func TestRedeem_GuardFailureKeepsTokenLive(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	// A token minted against an order that was never sent: the redemption
	// fails on the order guard and must not burn the token.
	o, err := svc.Create(ctx, "proj-1", "", contractor)
	require.NoError(t, err)
	value, err := model.NewTokenValue()
	require.NoError(t, err)
	require.NoError(t, st.MintToken(ctx, &model.ActionToken{
		OrderID:   o.ID,
		Value:     value,
		Action:    model.TokenActionSign,
		ExpiresAt: time.Now().UTC().Add(48 * time.Hour),
	}))

	_, err = svc.Redeem(ctx, value, DecisionSign, ClientMeta{IP: "203.0.113.9"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, fault.ErrConflict))

	tok, err := st.GetToken(ctx, value)
	require.NoError(t, err)
	assert.Nil(t, tok.UsedAt)
}

func TestRedeem_ExactlyOnceUnderRace(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()
	o, _ := sendableOrder(t, svc, st)
	_, err := svc.Send(ctx, o.ID, "client@example.com", contractor)
	require.NoError(t, err)
	token := notifier.last(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(ctx, token, DecisionSign, ClientMeta{IP: "203.0.113.9"})
		}(i)
	}
	wg.Wait()

	var successes, alreadyUsed int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case eris.Is(err, fault.ErrTokenAlreadyUsed):
			alreadyUsed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, alreadyUsed)
}
