package failures

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		detail    string
		message   string
		retryable bool
		notFound  bool
	}{
		{name: "provider detail kept verbatim", status: http.StatusBadRequest, detail: "Invalid GitHub URL", message: "Invalid GitHub URL"},
		{name: "missing detail falls back to status text", status: http.StatusNotFound, message: "Not Found", notFound: true},
		{name: "server errors are retryable", status: http.StatusBadGateway, detail: "upstream down", message: "upstream down", retryable: true},
		{name: "rate limit is retryable", status: http.StatusTooManyRequests, message: "Too Many Requests", retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStatus(KindPublish, tt.status, tt.detail)
			assert.Equal(t, tt.message, err.Message)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.notFound, IsNotFound(err))
			assert.Equal(t, KindPublish, KindOf(err))
		})
	}
}

func TestWrapKeepsUnderlying(t *testing.T) {
	base := errors.New("connection refused")
	err := Wrap(base, KindScan, "")
	require.NotNil(t, err)

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "connection refused", err.Message)
	assert.True(t, err.Retryable)
	assert.Equal(t, "[SCAN_FAILURE] connection refused", err.Error())

	assert.Nil(t, Wrap(nil, KindScan, "x"))
}

func TestKindOfThroughWrapping(t *testing.T) {
	inner := New(KindConcurrentPush, "push already in progress")
	outer := fmt.Errorf("push: %w", inner)

	assert.True(t, Is(outer, KindConcurrentPush))
	assert.False(t, Is(outer, KindPublish))
	assert.Equal(t, "push already in progress", UserMessage(outer))

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindUnknown))
}

func TestNewFallbackMessage(t *testing.T) {
	err := New(KindAnalysis, "")
	assert.Equal(t, genericFallbackError, err.Message)
}

func TestRejectIsNotRetryable(t *testing.T) {
	sentinel := errors.New("push already in progress")
	err := Reject(KindConcurrentPush, sentinel)

	assert.ErrorIs(t, err, sentinel)
	assert.False(t, err.Retryable)
	assert.Equal(t, 0, err.Status)
	assert.Equal(t, "[CONCURRENT_PUSH_REJECTED] push already in progress", err.Error())
}
