package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, Categorize(nil))
	})

	t.Run("wrapped categorized error is found", func(t *testing.T) {
		base := NewNotFoundError("beatmap", "42")
		wrapped := fmt.Errorf("resolve map: %w", base)

		got := Categorize(wrapped)
		assert.Same(t, base, got)
		assert.Equal(t, http.StatusNotFound, GetHTTPStatusCode(wrapped))
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		got := Categorize(stderrors.New("boom"))
		assert.Equal(t, CategorySystem, got.Category)
		assert.Equal(t, "INTERNAL_ERROR", got.Code)
	})
}

func TestCategoryPredicates(t *testing.T) {
	notFound := fmt.Errorf("lookup: %w", NewNotFoundError("beatmap", "7"))
	notFinished := NewMatchNotFinishedError(99)
	conflict := NewConflictError("match 1 already archived")
	coordination := NewCoordinationUnavailableError("acquire", stderrors.New("dial tcp"))

	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNotFound(conflict))

	assert.True(t, IsNotFinished(notFinished))
	assert.False(t, IsNotFinished(notFound))

	assert.True(t, IsConflict(conflict))
	assert.True(t, IsCoordinationUnavailable(coordination))
	assert.False(t, IsCoordinationUnavailable(stderrors.New("x")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"upstream", NewUpstreamError("/matches/1", 502), true},
		{"auth", NewAuthError(stderrors.New("denied")), true},
		{"not finished", NewMatchNotFinishedError(1), true},
		{"not found", NewNotFoundError("match", "1"), false},
		{"conflict", NewConflictError("dup"), false},
		{"validation", NewInvalidParameterError("id", "not a number"), false},
		{"service unavailable", NewServiceUnavailableError("redis"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := NewDatabaseError("insert match", stderrors.New("connection reset"))
	assert.Contains(t, err.Error(), "DATABASE_ERROR")
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, IsUserError(NewInvalidParameterError("id", "bad")))
	assert.False(t, IsUserError(err))
}
