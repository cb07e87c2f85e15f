package fault

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestSentinelWrapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		contains string
	}{
		{"not found", NotFound("candidate", "c-1"), ErrNotFound, "candidate c-1"},
		{"invalid transition", InvalidTransition("order", "o-1", "draft", "signed"), ErrInvalidTransition, "draft -> signed"},
		{"conflict", Conflict("candidate", "c-1"), ErrConflict, "concurrent update"},
		{"validation", Validation("rejection requires a reason"), ErrValidation, "rejection requires a reason"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, eris.Is(tt.err, tt.sentinel))
			assert.Contains(t, tt.err.Error(), tt.contains)
		})
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	assert.False(t, eris.Is(NotFound("x", "1"), ErrConflict))
	assert.False(t, eris.Is(Validation("bad"), ErrInvalidTransition))
	assert.False(t, eris.Is(Conflict("x", "1"), ErrTokenExpired))
}
