package model

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/rotisserie/eris"
)

// TokenAction names the client action a token authorizes.
type TokenAction string

const (
	TokenActionSign TokenAction = "sign"
)

// ActionToken is a single-use, time-limited credential minted for a
// client-facing action on a change order. A token is redeemable exactly
// once, only before expiry, and only while not superseded by a re-send.
type ActionToken struct {
	ID           string      `json:"id"`
	OrderID      string      `json:"order_id"`
	Value        string      `json:"value"`
	Action       TokenAction `json:"action"`
	Recipient    string      `json:"recipient,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at"`
	UsedAt       *time.Time  `json:"used_at,omitempty"`
	SupersededAt *time.Time  `json:"superseded_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Live reports whether the token is still redeemable at now.
func (t *ActionToken) Live(now time.Time) bool {
	return t.UsedAt == nil && t.SupersededAt == nil && t.ExpiresAt.After(now)
}

// NewTokenValue returns a 256-bit opaque urlsafe token value.
func NewTokenValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", eris.Wrap(err, "model: generate token")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
