// Package order assembles priced change orders from confirmed candidates
// and drives the irreversible client-consent protocol: send mints a
// single-use token, redemption consumes it atomically, and the outcome
// cascades to every linked candidate.
package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sitetrace/changeflow/internal/config"
	"github.com/sitetrace/changeflow/internal/fault"
	"github.com/sitetrace/changeflow/internal/lifecycle"
	"github.com/sitetrace/changeflow/internal/model"
	"github.com/sitetrace/changeflow/internal/store"
)

// Renderer produces a client-facing document for a finalized order and
// returns an opaque reference. Invoked once on send; failures are logged
// and the send proceeds without a document ref.
type Renderer interface {
	Render(ctx context.Context, o *model.ChangeOrder, items []model.ChangeOrderItem) (string, error)
}

// Notifier delivers the consent link to the client. Fire-and-forget:
// delivery failure never rolls back the state transition that caused it.
type Notifier interface {
	Notify(ctx context.Context, recipient string, o *model.ChangeOrder, tokenValue string) error
}

// Service runs order assembly and the consent workflow.
type Service struct {
	store     store.Store
	lifecycle *lifecycle.Service
	renderer  Renderer
	notifier  Notifier
	consent   config.ConsentConfig
	pricing   config.PricingConfig
}

// New returns an order Service. Renderer and notifier may be nil, in
// which case sending skips rendering and notification.
func New(st store.Store, lc *lifecycle.Service, r Renderer, n Notifier, consent config.ConsentConfig, pricing config.PricingConfig) *Service {
	return &Service{store: st, lifecycle: lc, renderer: r, notifier: n, consent: consent, pricing: pricing}
}

// Create opens a draft order with the configured pricing defaults.
func (s *Service) Create(ctx context.Context, projectID, description string, actor model.Actor) (*model.ChangeOrder, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if projectID == "" {
		return nil, fault.Validation("order requires a project id")
	}

	markup, err := decimal.NewFromString(s.pricing.DefaultMarkupPercent)
	if err != nil {
		return nil, fault.Validation("invalid default markup percent")
	}
	tax, err := decimal.NewFromString(s.pricing.DefaultTaxPercent)
	if err != nil {
		return nil, fault.Validation("invalid default tax percent")
	}

	o := &model.ChangeOrder{
		ProjectID:     projectID,
		Description:   description,
		Status:        model.OrderDraft,
		MarkupPercent: markup,
		TaxPercent:    tax,
		Currency:      s.pricing.Currency,
	}
	err = s.store.CreateOrder(ctx, o, &model.Transition{
		EntityType: model.EntityOrder,
		ToStatus:   string(model.OrderDraft),
		Actor:      actor,
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ItemInput is the caller-supplied shape of a cost line.
type ItemInput struct {
	CandidateID string
	Description string
	Category    model.ItemCategory
	Quantity    decimal.Decimal
	Unit        string
	UnitCost    decimal.Decimal
	SortOrder   int
}

func (in ItemInput) validate() error {
	if in.Description == "" {
		return fault.Validation("item requires a description")
	}
	if in.Quantity.Sign() <= 0 {
		return fault.Validation("item quantity must be positive")
	}
	if in.UnitCost.Sign() < 0 {
		return fault.Validation("item unit cost cannot be negative")
	}
	return nil
}

// AddItem adds a cost line to a mutable order. Totals are recomputed in
// the same transaction as the item write. On an already-sent order a
// linked candidate is attached right away, so a later signature can
// close it.
func (s *Service) AddItem(ctx context.Context, orderID string, in ItemInput) (*model.ChangeOrderItem, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if in.CandidateID != "" {
		c, err := s.store.GetCandidate(ctx, in.CandidateID)
		if err != nil {
			return nil, err
		}
		if c.Status != model.CandidateConfirmed && c.Status != model.CandidatePendingClient {
			return nil, fault.InvalidTransition("candidate", in.CandidateID, string(c.Status), string(model.CandidatePendingClient))
		}
	}
	category := in.Category
	if category == "" {
		category = model.CategoryOther
	}
	unit := in.Unit
	if unit == "" {
		unit = "unit"
	}
	item := &model.ChangeOrderItem{
		OrderID:     orderID,
		CandidateID: in.CandidateID,
		Description: in.Description,
		Category:    category,
		Quantity:    in.Quantity,
		Unit:        unit,
		UnitCost:    in.UnitCost,
		SortOrder:   in.SortOrder,
	}
	if err := s.store.SaveItem(ctx, item); err != nil {
		return nil, err
	}
	if o.Status == model.OrderSentToClient && in.CandidateID != "" {
		if err := s.lifecycle.AttachToOrder(ctx, in.CandidateID, orderID); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// UpdateItem replaces an existing line's fields and recomputes totals.
func (s *Service) UpdateItem(ctx context.Context, orderID, itemID string, in ItemInput) (*model.ChangeOrderItem, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var existing *model.ChangeOrderItem
	for i := range items {
		if items[i].ID == itemID {
			existing = &items[i]
			break
		}
	}
	if existing == nil {
		return nil, fault.NotFound("item", itemID)
	}

	existing.Description = in.Description
	if in.Category != "" {
		existing.Category = in.Category
	}
	existing.Quantity = in.Quantity
	if in.Unit != "" {
		existing.Unit = in.Unit
	}
	existing.UnitCost = in.UnitCost
	existing.SortOrder = in.SortOrder
	if err := s.store.SaveItem(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// RemoveItem deletes a line and recomputes totals.
func (s *Service) RemoveItem(ctx context.Context, orderID, itemID string) error {
	return s.store.DeleteItem(ctx, orderID, itemID)
}

// Get returns an order with its items.
func (s *Service) Get(ctx context.Context, orderID string) (*model.ChangeOrder, []model.ChangeOrderItem, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.ListItems(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return o, items, nil
}

// Send moves a draft order to sent_to_client: renders the document, mints
// the action token (superseding any prior live token), cascades
// attach_to_order to linked candidates, and notifies the recipient.
// Re-sending a sent_to_client order rotates the token without a status
// change.
func (s *Service) Send(ctx context.Context, orderID, recipient string, actor model.Actor) (*model.ChangeOrder, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	resend := o.Status == model.OrderSentToClient
	if !resend && !o.Status.CanTransitionTo(model.OrderSentToClient) {
		return nil, fault.InvalidTransition("order", orderID, string(o.Status), string(model.OrderSentToClient))
	}

	items, err := s.store.ListItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fault.Validation("order has no items to send")
	}

	var docRef string
	if s.renderer != nil {
		docRef, err = s.renderer.Render(ctx, o, items)
		if err != nil {
			zap.L().Warn("document rendering failed, sending without document",
				zap.String("order_id", orderID), zap.Error(err))
			docRef = ""
		}
	}

	value, err := model.NewTokenValue()
	if err != nil {
		return nil, err
	}
	token := &model.ActionToken{
		OrderID:   orderID,
		Value:     value,
		Action:    model.TokenActionSign,
		Recipient: recipient,
		ExpiresAt: time.Now().UTC().Add(time.Duration(s.consent.TokenExpiryDays) * 24 * time.Hour),
	}
	if err := s.store.MintToken(ctx, token); err != nil {
		return nil, err
	}

	if resend {
		if err := s.store.AppendTransition(ctx, &model.Transition{
			EntityType: model.EntityOrder,
			EntityID:   orderID,
			FromStatus: string(model.OrderSentToClient),
			ToStatus:   string(model.OrderSentToClient),
			Actor:      actor,
			Reason:     "resend",
			Metadata:   map[string]any{"recipient": recipient},
		}); err != nil {
			return nil, err
		}
	} else {
		now := time.Now().UTC()
		upd := store.OrderUpdate{SentAt: &now}
		if docRef != "" {
			upd.DocumentRef = &docRef
		}
		err = s.store.TransitionOrder(ctx, orderID, o.Status, model.OrderSentToClient, upd,
			&model.Transition{
				EntityType: model.EntityOrder,
				EntityID:   orderID,
				FromStatus: string(o.Status),
				ToStatus:   string(model.OrderSentToClient),
				Actor:      actor,
				Metadata:   map[string]any{"recipient": recipient},
			})
		if err != nil {
			return nil, err
		}
	}

	// Attach on every send, not only the first: items linked to the order
	// after the original send still need their candidates in the client's
	// pending set. Already-attached candidates are a no-op.
	for _, it := range items {
		if it.CandidateID == "" {
			continue
		}
		if err := s.lifecycle.AttachToOrder(ctx, it.CandidateID, orderID); err != nil {
			return nil, err
		}
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, recipient, o, value); err != nil {
			zap.L().Warn("consent notification failed",
				zap.String("order_id", orderID), zap.Error(err))
		}
	}

	return s.store.GetOrder(ctx, orderID)
}

// Decision is the client's answer on a sent order.
type Decision string

const (
	DecisionSign   Decision = "sign"
	DecisionReject Decision = "reject"
)

// ClientMeta captures the redeeming client's network context for the
// immutable consent record.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// Redeem consumes an action token and applies the client's decision. The
// consume, the order transition, and its ledger row commit in a single
// store transaction: of two concurrent redemptions of the same token
// exactly one lands, and a token is never burned without the decision
// being recorded. Signing writes the consent record, moves the order to
// signed, and cascades close_signed to every linked candidate; rejection
// mirrors with rejected_by_client.
func (s *Service) Redeem(ctx context.Context, tokenValue string, decision Decision, meta ClientMeta) (*model.ChangeOrder, error) {
	if decision != DecisionSign && decision != DecisionReject {
		return nil, fault.Validation("decision must be sign or reject")
	}

	// Read-only preview for the actor identity; the atomic consume below
	// is the only check that counts.
	preview, err := s.store.GetToken(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	clientID := preview.Recipient
	if clientID == "" {
		clientID = meta.IP
	}
	actor := model.Actor{Type: model.ActorClient, ID: clientID}

	now := time.Now().UTC()
	var to model.OrderStatus
	upd := store.OrderUpdate{}
	if decision == DecisionSign {
		to = model.OrderSigned
		upd.SignedAt = &now
		upd.Consent = &model.ConsentRecord{ClientIP: meta.IP, UserAgent: meta.UserAgent, SignedAt: now}
	} else {
		to = model.OrderRejectedByClient
	}

	token, err := s.store.RedeemToken(ctx, tokenValue, now, model.OrderSentToClient, to, upd,
		&model.Transition{
			EntityType: model.EntityOrder,
			EntityID:   preview.OrderID,
			FromStatus: string(model.OrderSentToClient),
			ToStatus:   string(to),
			Actor:      actor,
			IPAddress:  meta.IP,
		})
	if err != nil {
		return nil, err
	}

	candidates, err := s.store.CandidatesForOrder(ctx, token.OrderID)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if decision == DecisionSign {
			err = s.lifecycle.CloseSigned(ctx, c.ID, token.OrderID, actor)
		} else {
			err = s.lifecycle.CloseRejected(ctx, c.ID, token.OrderID, actor)
		}
		if err != nil {
			zap.L().Error("candidate cascade failed",
				zap.String("order_id", token.OrderID),
				zap.String("candidate_id", c.ID),
				zap.Error(err))
			return nil, err
		}
	}

	zap.L().Info("order resolved by client",
		zap.String("order_id", token.OrderID),
		zap.String("decision", string(decision)),
		zap.String("client_ip", meta.IP))

	return s.store.GetOrder(ctx, token.OrderID)
}
