package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMetrics_Singleton(t *testing.T) {
	assert.Same(t, GetMetrics(), GetMetrics())
}

func TestMetrics_Exposed(t *testing.T) {
	m := GetMetrics()
	before := testutil.ToFloat64(m.SendAttempts.WithLabelValues(OutcomeDeferred))
	m.SendAttempts.WithLabelValues(OutcomeDeferred).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(m.SendAttempts.WithLabelValues(OutcomeDeferred)))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sendqueue_send_attempts_total")
}
