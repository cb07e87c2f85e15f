package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sitetrace/changeflow/internal/ingest"
	"github.com/sitetrace/changeflow/internal/lifecycle"
	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/order"
)

type ingestRequest struct {
	ProjectID   string             `json:"project_id"`
	Channel     model.Channel      `json:"channel"`
	ExternalID  string             `json:"external_id"`
	Payload     map[string]any     `json:"payload"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Sender      string             `json:"sender,omitempty"`
	Subject     string             `json:"subject,omitempty"`
	Proposals   []model.Proposal   `json:"proposals,omitempty"`
}

// handleIngest accepts an inbound record and, when proposals accompany it,
// runs processing in the same request. A duplicate external id short-circuits
// without touching the proposals.
func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		if !decodeBody(w, r, &req) {
			return
		}

		rec := &model.IngestionRecord{
			ProjectID:   req.ProjectID,
			Channel:     req.Channel,
			ExternalID:  req.ExternalID,
			Payload:     req.Payload,
			Attachments: req.Attachments,
			Sender:      req.Sender,
			Subject:     req.Subject,
		}
		accepted, err := deps.Ingest.Accept(r.Context(), rec)
		if err != nil {
			writeFault(w, err)
			return
		}

		resp := map[string]any{"intake": accepted}
		if accepted.Status == ingest.Accepted && len(req.Proposals) > 0 {
			processed, err := deps.Ingest.Process(r.Context(), accepted.Record.ID, req.Proposals)
			if err != nil {
				writeFault(w, err)
				return
			}
			resp["processing"] = processed
		}

		code := http.StatusCreated
		if accepted.Status != ingest.Accepted {
			code = http.StatusOK
		}
		writeJSON(w, code, resp)
	}
}

func handleStale(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := deps.Ingest.Stale(r.Context())
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
	}
}

var candidateStatuses = map[string]model.CandidateStatus{
	"proposed":       model.CandidateProposed,
	"confirmed":      model.CandidateConfirmed,
	"rejected":       model.CandidateRejected,
	"pending_client": model.CandidatePendingClient,
	"signed":         model.CandidateSigned,
	"manual_review":  model.CandidateManualReview,
}

func handleListCandidates(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var statuses []model.CandidateStatus
		for _, raw := range r.URL.Query()["status"] {
			status, ok := candidateStatuses[raw]
			if !ok {
				httpError(w, http.StatusBadRequest, "unknown status %q", raw)
				return
			}
			statuses = append(statuses, status)
		}

		candidates, err := deps.Store.ListCandidates(r.Context(), chi.URLParam(r, "projectID"), statuses...)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates, "count": len(candidates)})
	}
}

type createCandidateRequest struct {
	ActorID  string         `json:"actor_id"`
	Proposal model.Proposal `json:"proposal"`
}

// handleCreateCandidate records a manually reported change. It goes through
// the same intake pipeline as connector traffic, on the manual channel, so
// the evidence trail and dedup behavior stay identical.
func handleCreateCandidate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCandidateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ActorID == "" {
			httpError(w, http.StatusBadRequest, "actor_id is required")
			return
		}
		if req.Proposal.Confidence == 0 {
			// A contractor stating the change is not a model guess.
			req.Proposal.Confidence = 1
		}

		rec := &model.IngestionRecord{
			ProjectID:  chi.URLParam(r, "projectID"),
			Channel:    model.ChannelManual,
			ExternalID: "manual-" + uuid.NewString(),
			Payload:    map[string]any{"reported_by": req.ActorID},
			Sender:     req.ActorID,
		}
		accepted, err := deps.Ingest.Accept(r.Context(), rec)
		if err != nil {
			writeFault(w, err)
			return
		}
		processed, err := deps.Ingest.Process(r.Context(), accepted.Record.ID, []model.Proposal{req.Proposal})
		if err != nil {
			writeFault(w, err)
			return
		}
		if len(processed.CandidateIDs) == 0 {
			httpError(w, http.StatusInternalServerError, "no candidate produced")
			return
		}

		c, err := deps.Store.GetCandidate(r.Context(), processed.CandidateIDs[0])
		if err != nil {
			writeFault(w, err)
			return
		}
		code := http.StatusCreated
		if processed.Linked > 0 {
			code = http.StatusOK
		}
		writeJSON(w, code, c)
	}
}

func handleGetCandidate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := deps.Store.GetCandidate(r.Context(), id)
		if err != nil {
			writeFault(w, err)
			return
		}
		evidence, err := deps.Store.ListEvidence(r.Context(), id)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"candidate": c, "evidence": evidence})
	}
}

type updateCandidateRequest struct {
	ActorID      string  `json:"actor_id"`
	Description  *string `json:"description,omitempty"`
	Area         *string `json:"area,omitempty"`
	MaterialFrom *string `json:"material_from,omitempty"`
	MaterialTo   *string `json:"material_to,omitempty"`
}

func handleUpdateCandidate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateCandidateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := deps.Lifecycle.Update(r.Context(), chi.URLParam(r, "id"),
			model.Actor{Type: model.ActorContractor, ID: req.ActorID},
			lifecycle.CandidateEdit{
				Description:  req.Description,
				Area:         req.Area,
				MaterialFrom: req.MaterialFrom,
				MaterialTo:   req.MaterialTo,
			})
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

type decisionRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

func handleConfirm(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := deps.Lifecycle.Confirm(r.Context(), chi.URLParam(r, "id"),
			model.Actor{Type: model.ActorContractor, ID: req.ActorID})
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleReject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := deps.Lifecycle.Reject(r.Context(), chi.URLParam(r, "id"),
			model.Actor{Type: model.ActorContractor, ID: req.ActorID}, req.Reason)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleListOrders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orders, err := deps.Store.ListOrders(r.Context(), chi.URLParam(r, "projectID"))
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "count": len(orders)})
	}
}

type createOrderRequest struct {
	ActorID     string `json:"actor_id"`
	Description string `json:"description"`
}

func handleCreateOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if !decodeBody(w, r, &req) {
			return
		}
		o, err := deps.Orders.Create(r.Context(), chi.URLParam(r, "projectID"), req.Description,
			model.Actor{Type: model.ActorContractor, ID: req.ActorID})
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, o)
	}
}

func handleGetOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, items, err := deps.Orders.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": o, "items": items})
	}
}

type itemRequest struct {
	CandidateID string `json:"candidate_id,omitempty"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit,omitempty"`
	UnitCost    string `json:"unit_cost"`
	SortOrder   int    `json:"sort_order,omitempty"`
}

func (req itemRequest) input() (order.ItemInput, bool) {
	in := order.ItemInput{
		CandidateID: req.CandidateID,
		Description: req.Description,
		Category:    model.ItemCategory(req.Category),
		Unit:        req.Unit,
		SortOrder:   req.SortOrder,
	}
	var err error
	if in.Quantity, err = decimal.NewFromString(req.Quantity); err != nil {
		return in, false
	}
	if in.UnitCost, err = decimal.NewFromString(req.UnitCost); err != nil {
		return in, false
	}
	return in, true
}

func handleAddItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req itemRequest
		if !decodeBody(w, r, &req) {
			return
		}
		in, ok := req.input()
		if !ok {
			httpError(w, http.StatusBadRequest, "quantity and unit_cost must be decimal strings")
			return
		}
		item, err := deps.Orders.AddItem(r.Context(), chi.URLParam(r, "id"), in)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)
	}
}

func handleUpdateItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req itemRequest
		if !decodeBody(w, r, &req) {
			return
		}
		in, ok := req.input()
		if !ok {
			httpError(w, http.StatusBadRequest, "quantity and unit_cost must be decimal strings")
			return
		}
		item, err := deps.Orders.UpdateItem(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemID"), in)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleRemoveItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Orders.RemoveItem(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemID"))
		if err != nil {
			writeFault(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type sendRequest struct {
	ActorID   string `json:"actor_id"`
	Recipient string `json:"recipient"`
}

func handleSend(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Recipient == "" {
			httpError(w, http.StatusBadRequest, "recipient is required")
			return
		}
		o, err := deps.Orders.Send(r.Context(), chi.URLParam(r, "id"), req.Recipient,
			model.Actor{Type: model.ActorContractor, ID: req.ActorID})
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

type consentRequest struct {
	Decision string `json:"decision"`
}

// handleConsent redeems an action token with the client's decision. The
// token in the path is the only credential; client network context is
// captured for the consent record.
func handleConsent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req consentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		o, err := deps.Orders.Redeem(r.Context(), chi.URLParam(r, "token"),
			order.Decision(req.Decision),
			order.ClientMeta{IP: clientIP(r), UserAgent: r.UserAgent()})
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"order_id": o.ID,
			"status":   o.Status,
		})
	}
}

func handleHistory(deps Deps, entityType model.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := deps.Ledger.History(r.Context(), entityType, chi.URLParam(r, "id"))
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": history, "count": len(history)})
	}
}

func handleVerify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mismatches, err := deps.Ledger.VerifyAll(r.Context(), 4)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"mismatches": mismatches,
			"count":      len(mismatches),
		})
	}
}
