package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campaign-sendqueue/internal/types"
)

func TestCategorizeWrapped(t *testing.T) {
	err := fmt.Errorf("failed to start campaign: %w", NewPreconditionError("campaign is not a draft", nil))
	cat := Categorize(err)
	assert.Equal(t, CategoryConflict, cat.Category)
	assert.Equal(t, http.StatusConflict, GetHTTPStatusCode(err))
}

func TestCategorizeSentinels(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, GetHTTPStatusCode(fmt.Errorf("failed to get campaign: %w", ErrNotFound)))
	assert.Equal(t, http.StatusConflict, GetHTTPStatusCode(ErrStatusChanged))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatusCode(stderrors.New("boom")))
	assert.True(t, stderrors.Is(NewNotFoundError("campaign", "9"), ErrNotFound))
}

func TestCategorizeServiceError(t *testing.T) {
	err := &types.ServiceError{Code: "INVALID_SEGMENT", Message: "unknown segment"}
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatusCode(err))
	assert.True(t, IsUserError(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"database", NewDatabaseError("claim", stderrors.New("conn reset")), true},
		{"temporary transport", NewTransportError("smtp", false, stderrors.New("421 try later")), true},
		{"permanent transport", NewTransportError("smtp", true, stderrors.New("550 no such user")), false},
		{"transport timeout", NewTransportTimeoutError("smtp"), true},
		{"validation", NewInvalidParameterError("batch_size", "must be positive"), false},
		{"unavailable", NewServiceUnavailableError("redis"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsPermanentTransportError(t *testing.T) {
	assert.True(t, IsPermanentTransportError(fmt.Errorf("send: %w", NewTransportError("smtp", true, nil))))
	assert.False(t, IsPermanentTransportError(NewTransportError("smtp", false, nil)))
	assert.False(t, IsPermanentTransportError(stderrors.New("x")))
}
