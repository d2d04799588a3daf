package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestAppError_IsMatchesWrappedCode(t *testing.T) {
	wrapped := fmt.Errorf("join room 12345: %w", apperrors.ErrRoomNotFound)

	assert.True(t, stderrors.Is(wrapped, apperrors.ErrRoomNotFound))
	assert.False(t, stderrors.Is(wrapped, apperrors.ErrNotHost))
	assert.True(t, apperrors.IsRoomNotFound(wrapped))
	assert.Equal(t, apperrors.ErrCodeRoomNotFound, apperrors.Code(wrapped))
}

func TestAppError_CodeOfPlainError(t *testing.T) {
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.Code(stderrors.New("boom")))
	assert.False(t, apperrors.IsRetryable(stderrors.New("boom")))
}

func TestAppError_WithDetailsDoesNotMutate(t *testing.T) {
	detailed := apperrors.ErrAccessDenied.WithDetails("content-42")

	assert.Equal(t, "content-42", detailed.Details)
	assert.Empty(t, apperrors.ErrAccessDenied.Details)
	assert.True(t, stderrors.Is(detailed, apperrors.ErrAccessDenied))
}

func TestAppError_Retryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "code space exhausted", err: apperrors.ErrCodeSpaceExhausted, want: true},
		{name: "rate limited", err: apperrors.ErrRateLimited, want: true},
		{name: "room not found", err: apperrors.ErrRoomNotFound, want: false},
		{name: "wrapped exhausted", err: fmt.Errorf("create: %w", apperrors.ErrCodeSpaceExhausted), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.IsRetryable(tt.err))
		})
	}
}

func TestAppError_ErrorString(t *testing.T) {
	err := apperrors.Wrap(stderrors.New("dial tcp"), apperrors.ErrCodeInternal, "load content")
	assert.Equal(t, "[INTERNAL_ERROR] load content: dial tcp", err.Error())
	assert.Equal(t, "[NOT_HOST] only the host can start the game", apperrors.ErrNotHost.Error())
}
