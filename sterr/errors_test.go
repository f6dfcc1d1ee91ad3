package sterr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesOnKind(t *testing.T) {
	original := Wrap(KindNetworkTransient, "dial failed", errors.New("boom")).WithOperation("fetch")

	assert.True(t, errors.Is(original, New(KindNetworkTransient, "")))
	assert.False(t, errors.Is(original, New(KindTimeout, "")))
}

func TestErrorRetryableAndFatal(t *testing.T) {
	assert.True(t, New(KindNetworkTransient, "x").Retryable())
	assert.False(t, New(KindServerRejected, "x").Retryable())

	assert.True(t, New(KindCorruptStore, "x").Fatal())
	assert.True(t, New(KindConfigError, "x").Fatal())
	assert.False(t, New(KindTimeout, "x").Fatal())
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindMalformedInstance, "bad instance", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestServerRejectedError(t *testing.T) {
	err := &ServerRejected{IID: 42, Status: 404, Body: "not found"}
	assert.Contains(t, err.Error(), "42")
	assert.Contains(t, err.Error(), "404")
}
