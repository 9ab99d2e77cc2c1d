package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	okBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "ok"))
	errBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "error"))

	Observe("test_op", nil)
	Observe("test_op", nil)
	Observe("test_op", errors.New("boom"))

	assert.Equal(t, okBefore+2, testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(OperationsTotal.WithLabelValues("test_op", "error")))
}

func TestHandler(t *testing.T) {
	Documents.Set(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "kbase_documents 3")
	assert.Contains(t, string(body), "go_goroutines")
}
