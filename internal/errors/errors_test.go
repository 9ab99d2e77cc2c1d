package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIncludesCodeAndFields(t *testing.T) {
	err := kberr.New(kberr.CodeConfigValidateInvalid, "bad oversample factor",
		kberr.Field("oversample_factor", 0),
		kberr.FieldProvider("ollama"),
	)

	require.Error(t, err)
	assert.Equal(t, kberr.CodeConfigValidateInvalid, kberr.CodeOf(err))
	assert.True(t, kberr.HasCode(err, kberr.CodeConfigValidateInvalid))
	assert.Equal(t, "ollama", kberr.FieldsOf(err)["provider"])
	assert.Contains(t, err.Error(), "bad oversample factor")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, kberr.Wrap(nil, kberr.CodeStoreWriteFailure, "ignored"))
	assert.NoError(t, kberr.Wrapf(nil, kberr.CodeStoreWriteFailure, "ignored %d", 1))
}

func TestWrapPreservesCause(t *testing.T) {
	root := stderrors.New("disk full")
	err := kberr.Wrap(root, kberr.CodeStoreWriteFailure, "writing chunks", kberr.FieldDocID("abc"))

	assert.ErrorIs(t, err, root)
	assert.Equal(t, kberr.CodeStoreWriteFailure, kberr.CodeOf(err))
	assert.Equal(t, "abc", kberr.FieldsOf(err)["doc_id"])
}

func TestClassify(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := kberr.Classify(kberr.ErrDimensionMismatch, kberr.CodeIndexAddInvalidDim, nil, "want 4, got 3")
		assert.ErrorIs(t, err, kberr.ErrDimensionMismatch)
		assert.True(t, kberr.IsInvalidInput(err))
	})

	t.Run("with cause", func(t *testing.T) {
		cause := stderrors.New("connection refused")
		err := kberr.Classify(kberr.ErrExternalService, kberr.CodeProviderUpstream, cause, "embedding failed")
		assert.ErrorIs(t, err, kberr.ErrExternalService)
		assert.ErrorIs(t, err, cause)
		assert.True(t, kberr.IsUpstreamFailure(err))
	})

	t.Run("survives fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("add document: %w",
			kberr.Classify(kberr.ErrUnsupportedInput, kberr.CodeIngestInputUnsupported, nil, "no chunks"))
		assert.ErrorIs(t, err, kberr.ErrUnsupportedInput)
		assert.Equal(t, kberr.CodeIngestInputUnsupported, kberr.CodeOf(err))
	})
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, kberr.Code(""), kberr.CodeOf(stderrors.New("plain")))
	assert.Equal(t, kberr.Code(""), kberr.CodeOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found sentinel", fmt.Errorf("x: %w", kberr.ErrNotFound), http.StatusNotFound},
		{"not found code", kberr.New(kberr.CodeStoreDocumentNotFound, "gone"), http.StatusNotFound},
		{"invalid filter", kberr.Classify(kberr.ErrInvalidFilter, kberr.CodeFilterParseInvalid, nil, "bad key"), http.StatusBadRequest},
		{"dimension mismatch", fmt.Errorf("x: %w", kberr.ErrDimensionMismatch), http.StatusBadRequest},
		{"unsupported", kberr.Classify(kberr.ErrUnsupportedInput, kberr.CodeIngestInputUnsupported, nil, "pdf"), http.StatusUnprocessableEntity},
		{"timeout", kberr.New(kberr.CodeProviderTimeout, "slow"), http.StatusGatewayTimeout},
		{"upstream", kberr.New(kberr.CodeProviderUpstream, "500"), http.StatusBadGateway},
		{"other", stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, kberr.HTTPStatus(tt.err))
		})
	}
}
