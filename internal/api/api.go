// Package api exposes the core's command and query operations over HTTP.
// Contractor routes sit behind bearer auth; the consent endpoint is
// public, rate-limited per client address, and CORS-enabled since the
// client signs from a browser link.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sitetrace/changeflow/internal/config"
	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/ingest"
	"github.com/sitetrace/changeflow/internal/ledger"
	"github.com/sitetrace/changeflow/internal/lifecycle"
	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/order"
	"github.com/sitetrace/changeflow/internal/store"
)

// Deps wires the services the handlers call.
type Deps struct {
	Store     store.Store
	Ingest    *ingest.Service
	Lifecycle *lifecycle.Service
	Orders    *order.Service
	Ledger    *ledger.Service
}

// NewHandler builds the router.
func NewHandler(deps Deps, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Public consent surface: the client holds only the token.
		r.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Content-Type"},
			}))
			r.Use(rateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
			r.Post("/consent/{token}", handleConsent(deps))
		})

		// Contractor surface.
		r.Group(func(r chi.Router) {
			r.Use(bearerAuth(cfg.AuthToken))

			r.Post("/ingest", handleIngest(deps))
			r.Get("/ingest/stale", handleStale(deps))
			r.Get("/ingest/{id}/history", handleHistory(deps, model.EntityIngestion))

			r.Get("/projects/{projectID}/candidates", handleListCandidates(deps))
			r.Post("/projects/{projectID}/candidates", handleCreateCandidate(deps))
			r.Get("/candidates/{id}", handleGetCandidate(deps))
			r.Patch("/candidates/{id}", handleUpdateCandidate(deps))
			r.Post("/candidates/{id}/confirm", handleConfirm(deps))
			r.Post("/candidates/{id}/reject", handleReject(deps))
			r.Get("/candidates/{id}/history", handleHistory(deps, model.EntityCandidate))

			r.Get("/projects/{projectID}/orders", handleListOrders(deps))
			r.Post("/projects/{projectID}/orders", handleCreateOrder(deps))
			r.Get("/orders/{id}", handleGetOrder(deps))
			r.Post("/orders/{id}/items", handleAddItem(deps))
			r.Put("/orders/{id}/items/{itemID}", handleUpdateItem(deps))
			r.Delete("/orders/{id}/items/{itemID}", handleRemoveItem(deps))
			r.Post("/orders/{id}/send", handleSend(deps))
			r.Get("/orders/{id}/history", handleHistory(deps, model.EntityOrder))

			r.Get("/verify", handleVerify(deps))
		})
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) ||
				subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	// maxLimiterEntries bounds the per-address bucket map; reaching it
	// triggers a sweep of idle entries.
	maxLimiterEntries = 4096
	limiterIdleTTL    = 3 * time.Minute
)

// ipLimiter hands out one token bucket per client address and evicts
// buckets idle past the TTL, so the map cannot grow without bound.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &ipLimiter{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= maxLimiterEntries {
			l.sweep(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

// sweep drops idle entries. Called with the lock held.
func (l *ipLimiter) sweep(now time.Time) {
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.entries, ip)
		}
	}
}

// rateLimit applies a token bucket per client address.
func rateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := newIPLimiter(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r), time.Now()) {
				httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"error": map[string]any{"message": msg},
	})
}

// writeFault maps the error taxonomy onto status codes.
func writeFault(w http.ResponseWriter, err error) {
	var code int
	switch {
	case eris.Is(err, fault.ErrValidation):
		code = http.StatusBadRequest
	case eris.Is(err, fault.ErrNotFound):
		code = http.StatusNotFound
	case eris.Is(err, fault.ErrInvalidTransition), eris.Is(err, fault.ErrConflict):
		code = http.StatusConflict
	case eris.Is(err, fault.ErrTokenExpired), eris.Is(err, fault.ErrTokenAlreadyUsed):
		code = http.StatusGone
	default:
		zap.L().Error("internal error", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpError(w, code, "%s", err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}
