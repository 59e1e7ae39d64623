package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "storage.GetNamespaceByID", "namespace %q not found", "prod")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindConflict))
}

func TestKindOfWrappedChain(t *testing.T) {
	cause := errors.New("disk full")
	inner := Wrap(KindTransient, "broker.SendMessage", cause)
	outer := fmt.Errorf("replay seq 42: %w", inner)

	assert.Equal(t, KindTransient, KindOf(outer))
	assert.True(t, Retryable(outer))
	assert.True(t, errors.Is(outer, cause))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, Retryable(errors.New("boom")))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestErrorMessageShapes(t *testing.T) {
	cause := errors.New("tag mismatch")

	err := Wrapf(KindDecryptFailed, "secrets.Decrypt", cause, "version V2")
	assert.Equal(t, "secrets.Decrypt: DecryptFailed: version V2: tag mismatch", err.Error())

	err = New(KindValidation, "storage.CreateNamespace", "name is required")
	assert.Equal(t, "storage.CreateNamespace: ValidationFailed: name is required", err.Error())

	err = Wrap(KindExternalService, "broker.PeekMessages", cause)
	assert.Equal(t, "broker.PeekMessages: ExternalService: tag mismatch", err.Error())
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	a := New(KindConflict, "storage.CreateRule", "rule exists")
	b := New(KindConflict, "storage.CreateNamespace", "namespace exists")
	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, New(KindNotFound, "x", "y")))
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindValidation:         "ValidationFailed",
		KindNotFound:           "NotFound",
		KindConflict:           "Conflict",
		KindDecryptFailed:      "DecryptFailed",
		KindRateLimited:        "RateLimited",
		KindTransient:          "Transient",
		KindExternalService:    "ExternalService",
		KindServiceUnavailable: "ServiceUnavailable",
		KindInternal:           "Internal",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
