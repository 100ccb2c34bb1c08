package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New(3)
	m.FramesDelivered.Add(7)
	m.Worker(2).Skipped.Add(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "scanner_frames_delivered_total 7")
	assert.True(t, strings.Contains(body, `scanner_worker_frames_skipped_total{worker="2"} 4`), body)
}

func TestWorkerOutOfRangeIsDetached(t *testing.T) {
	m := New(1)
	w := m.Worker(5)
	w.Processed.Add(1)
	assert.Equal(t, uint64(0), m.Worker(0).Processed.Load())

	var nilMetrics *Metrics
	assert.NotNil(t, nilMetrics.Worker(0))
}
