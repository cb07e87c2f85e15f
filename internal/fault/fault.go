// Package fault defines the error taxonomy shared by every core component.
// Callers classify failures with errors.Is against the sentinels below.
package fault

import (
	"errors"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound reports an unknown entity id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition reports a state-machine guard violation,
	// e.g. confirming a candidate that is already terminal.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict reports a lost concurrent-write race. The caller may
	// re-read and retry; the core never retries internally.
	ErrConflict = errors.New("conflict")

	// ErrTokenExpired reports redemption of an expired or superseded token.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenAlreadyUsed reports redemption of a consumed token.
	ErrTokenAlreadyUsed = errors.New("token already used")

	// ErrAmbiguousMatch reports that the dedup engine found multiple
	// equally likely candidates. Ingestion resolves this into a
	// manual_review candidate rather than surfacing it to the caller.
	ErrAmbiguousMatch = errors.New("ambiguous match")

	// ErrValidation reports missing or malformed caller input, such as a
	// rejection without a reason or an actor without an id.
	ErrValidation = errors.New("validation failed")
)

// NotFound wraps ErrNotFound with entity context.
func NotFound(entity, id string) error {
	return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
}

// InvalidTransition wraps ErrInvalidTransition with the attempted edge.
func InvalidTransition(entity, id, from, to string) error {
	return eris.Wrapf(ErrInvalidTransition, "%s %s: %s -> %s", entity, id, from, to)
}

// Conflict wraps ErrConflict with entity context.
func Conflict(entity, id string) error {
	return eris.Wrapf(ErrConflict, "%s %s: concurrent update", entity, id)
}

// Validation wraps ErrValidation with a caller-facing message.
func Validation(msg string) error {
	return eris.Wrap(ErrValidation, msg)
}
