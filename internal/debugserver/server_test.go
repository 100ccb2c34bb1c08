package debugserver

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/tracker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/pkg/types"
)

func testStatus() map[string]any {
	return map[string]any{
		"looping": true,
		"workers": []map[string]any{
			{"index": 0, "inline": true, "delay_ms": int64(0)},
			{"index": 1, "inline": false, "delay_ms": int64(100)},
		},
	}
}

func newTestServer(t *testing.T) (*Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(2)
	return NewServer(DefaultConfig(), testStatus, m.Handler(), nil), m
}

func TestStatusJSON(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, true, got["looping"])
	assert.Len(t, got["workers"], 2)
	assert.Contains(t, got, "timestamp")
}

func TestStatusProtobuf(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Accept", "application/protobuf")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/protobuf", rec.Header().Get("Content-Type"))

	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Fields["looping"].GetBoolValue())
	workers := st.Fields["workers"].GetListValue().GetValues()
	require.Len(t, workers, 2)
	assert.Equal(t, 100.0, workers[1].GetStructValue().Fields["delay_ms"].GetNumberValue())
}

func TestHealthAndMetrics(t *testing.T) {
	s, m := newTestServer(t)
	m.FramesDelivered.Add(7)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scanner_frames_delivered_total 7")
	assert.Contains(t, rec.Body.String(), `scanner_worker_frames_processed_total{worker="1"} 0`)
}

func TestBroadcasterSkipsSlowClients(t *testing.T) {
	rb := NewResultBroadcaster(3)
	_, slow := rb.Subscribe()

	for i := 0; i < 5; i++ {
		rb.Publish(ResultEvent{Text: strings.Repeat("a", i+1)})
	}
	assert.Equal(t, uint64(3), rb.Dropped(), "buffer holds two events")
	assert.Len(t, slow, 2)

	history := rb.History()
	require.Len(t, history, 3)
	assert.Equal(t, "aaa", history[0].Text)
	assert.Equal(t, "aaaaa", history[2].Text)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	rb := NewResultBroadcaster(1)
	id, ch := rb.Subscribe()
	assert.Equal(t, 1, rb.Clients())
	rb.Unsubscribe(id)
	rb.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, rb.Clients())
}

func TestNewResultEvent(t *testing.T) {
	r := tracker.NewRegion(image.Rect(10, 20, 60, 40), image.NewGray(image.Rect(0, 0, 50, 20)), time.Now())
	at := time.Unix(100, 0)

	ev := NewResultEvent(r, types.Result{Text: "EXIT", Confidences: []int{90}, Duration: 40 * time.Millisecond}, at)
	assert.Equal(t, r.ID().String(), ev.RegionID)
	assert.Equal(t, [4]int{10, 20, 50, 20}, ev.Rect)
	assert.Equal(t, int64(40), ev.DurationMs)
	assert.Empty(t, ev.Error)

	ev = NewResultEvent(r, types.Result{Err: errors.New("no text")}, at)
	assert.Equal(t, "no text", ev.Error)
}

func readEvent(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return strings.TrimSpace(data)
		}
	}
}

func TestResultsStream(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for _, format := range []string{"application/json", "application/protobuf"} {
		t.Run(format, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/results/stream", nil)
			require.NoError(t, err)
			req.Header.Set("Accept", format)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
			assert.Equal(t, format, resp.Header.Get("X-Content-Format"))

			require.Eventually(t, func() bool { return s.Results().Clients() == 1 }, time.Second, time.Millisecond)
			s.Results().Publish(ResultEvent{RegionID: "r1", Text: "STOP"})

			data := readEvent(t, bufio.NewReader(resp.Body))
			if format == "application/json" {
				var ev ResultEvent
				require.NoError(t, json.Unmarshal([]byte(data), &ev))
				assert.Equal(t, "STOP", ev.Text)
			} else {
				raw, err := base64.StdEncoding.DecodeString(data)
				require.NoError(t, err)
				var st structpb.Struct
				require.NoError(t, proto.Unmarshal(raw, &st))
				assert.Equal(t, "STOP", st.Fields["text"].GetStringValue())
			}

			cancel()
			_, _ = io.Copy(io.Discard, resp.Body)
			require.Eventually(t, func() bool { return s.Results().Clients() == 0 }, time.Second, time.Millisecond)
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
