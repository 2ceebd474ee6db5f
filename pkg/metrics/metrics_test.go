package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), first)
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_send_duration_seconds",
		Help: "test",
	})

	timer := NewTimer()
	timer.ObserveDuration(histogram)
	timer.ObserveDuration(histogram)

	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_webhook_duration_seconds",
		Help: "test",
	}, []string{"kind"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "handshake")
	timer.ObserveDurationVec(vec, "delivery")
	timer.ObserveDurationVec(vec, "delivery")

	assert.Equal(t, 2, testutil.CollectAndCount(vec))
}

func TestCountersAreRegistered(t *testing.T) {
	before := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("acknowledged"))
	DeliveriesTotal.WithLabelValues("acknowledged").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("acknowledged")))

	TransactionsTracked.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(TransactionsTracked))

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "txrelay_transactions_tracked 3")
	assert.Contains(t, w.Body.String(), "txrelay_deliveries_total")
}
