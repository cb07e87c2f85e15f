package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitetrace/changeflow/internal/config"
	"github.com/sitetrace/changeflow/internal/dedup"
	"github.com/sitetrace/changeflow/internal/ingest"
	"github.com/sitetrace/changeflow/internal/ledger"
	"github.com/sitetrace/changeflow/internal/lifecycle"
	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/order"
	"github.com/sitetrace/changeflow/internal/store"
)

const testToken = "test-token"

// captureNotifier records the token value handed to the last notification,
// standing in for the out-of-band consent link delivery.
type captureNotifier struct {
	mu    sync.Mutex
	token string
}

func (n *captureNotifier) Notify(_ context.Context, _ string, _ *model.ChangeOrder, tokenValue string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.token = tokenValue
	return nil
}

func (n *captureNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.token
}

func newTestServer(t *testing.T) (*httptest.Server, *captureNotifier) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	notifier := &captureNotifier{}
	dedupCfg := config.DedupConfig{SimilarityThreshold: 0.92, AmbiguityMargin: 0.05, ReviewFloor: 0.70}
	lc := lifecycle.New(st, config.AutomationConfig{})
	deps := Deps{
		Store:     st,
		Ingest:    ingest.New(st, dedup.New(dedupCfg.SimilarityThreshold, dedupCfg.AmbiguityMargin), lc, dedupCfg, config.IngestConfig{StaleAfterMinutes: 15}),
		Lifecycle: lc,
		Orders: order.New(st, lc, nil, notifier,
			config.ConsentConfig{TokenExpiryDays: 2},
			config.PricingConfig{DefaultMarkupPercent: "10", DefaultTaxPercent: "5", Currency: "USD"}),
		Ledger: ledger.New(st),
	}
	srv := httptest.NewServer(NewHandler(deps, config.ServerConfig{
		AuthToken:      testToken,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	}))
	t.Cleanup(srv.Close)
	return srv, notifier
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp, out
}

func ingestBody(externalID string, confidence float64) map[string]any {
	return map[string]any{
		"project_id":  "proj-1",
		"channel":     "mail",
		"external_id": externalID,
		"payload":     map[string]any{"body": "switch kitchen floor to hardwood"},
		"sender":      "client@example.com",
		"proposals": []map[string]any{{
			"description":   "replace tile with hardwood in kitchen",
			"area":          "kitchen",
			"material_from": "tile",
			"material_to":   "hardwood",
			"confidence":    confidence,
			"embedding":     []float64{1, 0, 0},
			"model_used":    "extractor-v2",
		}},
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestBearerAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/projects/proj-1/candidates", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/projects/proj-1/candidates", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/projects/proj-1/candidates", testToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngest_AcceptAndProcess(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/ingest", testToken, ingestBody("msg-1", 0.9))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	intake := body["intake"].(map[string]any)
	assert.Equal(t, "accepted", intake["status"])
	processing := body["processing"].(map[string]any)
	assert.EqualValues(t, 1, processing["created"])

	// Same external id again: duplicate, no processing block.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/ingest", testToken, ingestBody("msg-1", 0.9))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	intake = body["intake"].(map[string]any)
	assert.Equal(t, "duplicate", intake["status"])
	assert.Nil(t, body["processing"])
}

func TestIngest_ValidationError(t *testing.T) {
	srv, _ := newTestServer(t)
	b := ingestBody("msg-bad", 0.9)
	b["channel"] = "pigeon"
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/ingest", testToken, b)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "error")
}

func TestCandidates_ListFilterAndGet(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/ingest", testToken, ingestBody("msg-1", 0.9))

	resp, body := doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/projects/proj-1/candidates?status=proposed", testToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	candidates := body["candidates"].([]any)
	id := candidates[0].(map[string]any)["id"].(string)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/candidates/"+id, testToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["evidence"].([]any), 1)

	resp, _ = doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/projects/proj-1/candidates?status=bogus", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCandidates_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/candidates/nope", testToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCandidates_ManualCreate(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects/proj-1/candidates", testToken,
		map[string]any{
			"actor_id": "user-7",
			"proposal": map[string]any{
				"description":   "add a skylight in the hallway",
				"area":          "hallway",
				"material_from": "",
				"material_to":   "skylight",
			},
		})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "proposed", body["status"])
	assert.EqualValues(t, 1, body["confidence"])
}

func TestCandidates_ConfirmRejectAndConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/ingest", testToken, ingestBody("msg-1", 0.9))
	_, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/projects/proj-1/candidates", testToken, nil)
	id := body["candidates"].([]any)[0].(map[string]any)["id"].(string)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/candidates/"+id+"/confirm", testToken,
		map[string]any{"actor_id": "user-7"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirmed", body["status"])

	// Rejecting a confirmed candidate is an invalid transition.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/candidates/"+id+"/reject", testToken,
		map[string]any{"actor_id": "user-7", "reason": "duplicate"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCandidates_Update(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/ingest", testToken, ingestBody("msg-1", 0.9))
	_, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/projects/proj-1/candidates", testToken, nil)
	id := body["candidates"].([]any)[0].(map[string]any)["id"].(string)

	resp, body := doJSON(t, http.MethodPatch, srv.URL+"/api/v1/candidates/"+id, testToken,
		map[string]any{"actor_id": "user-7", "description": "hardwood floors, kitchen and pantry"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hardwood floors, kitchen and pantry", body["description"])
}

// sendOrder drives a candidate through confirm, order assembly, and send,
// returning the order id and the token value captured by the notifier.
func sendOrder(t *testing.T, srv *httptest.Server, notifier *captureNotifier) (orderID, tokenValue string) {
	t.Helper()
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/ingest", testToken, ingestBody("msg-1", 0.9))
	_, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/projects/proj-1/candidates", testToken, nil)
	candidateID := body["candidates"].([]any)[0].(map[string]any)["id"].(string)
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/candidates/"+candidateID+"/confirm", testToken,
		map[string]any{"actor_id": "user-7"})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects/proj-1/orders", testToken,
		map[string]any{"actor_id": "user-7", "description": "kitchen changes"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderID = body["id"].(string)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/orders/"+orderID+"/items", testToken,
		map[string]any{
			"candidate_id": candidateID,
			"description":  "hardwood flooring",
			"category":     "material",
			"quantity":     "20",
			"unit":         "sqm",
			"unit_cost":    "10",
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/orders/"+orderID+"/send", testToken,
		map[string]any{"actor_id": "user-7", "recipient": "client@example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tokenValue = notifier.last()
	require.NotEmpty(t, tokenValue)
	return orderID, tokenValue
}

func TestOrders_PricingAndItems(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects/proj-1/orders", testToken,
		map[string]any{"actor_id": "user-7", "description": "kitchen changes"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderID := body["id"].(string)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/orders/"+orderID+"/items", testToken,
		map[string]any{"description": "flooring", "quantity": "20", "unit_cost": "10"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Subtotal 200, markup 10% and tax 5% both on the subtotal.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/orders/"+orderID, testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	o := body["order"].(map[string]any)
	assert.Equal(t, "200", o["subtotal"])
	assert.Equal(t, "20", o["markup_amount"])
	assert.Equal(t, "10", o["tax_amount"])
	assert.Equal(t, "230", o["total"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/orders/"+orderID+"/items", testToken,
		map[string]any{"description": "flooring", "quantity": "not-a-number", "unit_cost": "10"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOrders_SendRequiresItems(t *testing.T) {
	srv, _ := newTestServer(t)
	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/projects/proj-1/orders", testToken,
		map[string]any{"actor_id": "user-7"})
	orderID := body["id"].(string)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/orders/"+orderID+"/send", testToken,
		map[string]any{"actor_id": "user-7", "recipient": "client@example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConsent_SignFlow(t *testing.T) {
	srv, notifier := newTestServer(t)
	orderID, tokenValue := sendOrder(t, srv, notifier)

	// Public route, no bearer token.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/consent/"+tokenValue, "",
		map[string]any{"decision": "sign"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "signed", body["status"])
	assert.Equal(t, orderID, body["order_id"])

	// Second redemption of the same token is gone.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/consent/"+tokenValue, "",
		map[string]any{"decision": "sign"})
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	// Signed orders refuse further item mutations.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/orders/"+orderID+"/items", testToken,
		map[string]any{"description": "late addition", "quantity": "1", "unit_cost": "5"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestConsent_Reject(t *testing.T) {
	srv, notifier := newTestServer(t)
	orderID, tokenValue := sendOrder(t, srv, notifier)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/consent/"+tokenValue, "",
		map[string]any{"decision": "reject"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rejected_by_client", body["status"])
	assert.Equal(t, orderID, body["order_id"])
}

func TestConsent_InvalidDecision(t *testing.T) {
	srv, notifier := newTestServer(t)
	_, tokenValue := sendOrder(t, srv, notifier)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/consent/"+tokenValue, "",
		map[string]any{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConsent_UnknownToken(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/consent/no-such-token", "",
		map[string]any{"decision": "sign"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/ingest", testToken, ingestBody("msg-1", 0.9))
	_, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/projects/proj-1/candidates", testToken, nil)
	id := body["candidates"].([]any)[0].(map[string]any)["id"].(string)
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/candidates/"+id+"/confirm", testToken,
		map[string]any{"actor_id": "user-7"})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/candidates/"+id+"/history", testToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])
}

func TestVerify(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/ingest", testToken, ingestBody("msg-1", 0.9))

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/verify", testToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])
}

func TestRateLimit(t *testing.T) {
	h := NewHandler(Deps{}, config.ServerConfig{AuthToken: testToken, RateLimitRPS: 1, RateLimitBurst: 1})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	// First request from one address eats the burst; the next is throttled
	// before the handler ever runs.
	for i, want := range []int{http.StatusBadRequest, http.StatusTooManyRequests} {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/consent/tok", bytes.NewReader(nil))
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, fmt.Sprintf("request %d", i))
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	l := newIPLimiter(1, 1)
	start := time.Now()
	for i := 0; i < maxLimiterEntries; i++ {
		l.allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256), start)
	}
	require.Len(t, l.entries, maxLimiterEntries)

	// One client stays active past the idle TTL.
	later := start.Add(limiterIdleTTL + time.Second)
	l.allow("10.0.0.0", later)

	// The next new client hits the bound and sweeps everything idle,
	// keeping only the active bucket and its own.
	l.allow("203.0.113.9", later)
	assert.Len(t, l.entries, 2)
	_, ok := l.entries["10.0.0.0"]
	assert.True(t, ok)
	_, ok = l.entries["203.0.113.9"]
	assert.True(t, ok)
}
