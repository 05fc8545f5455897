package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/vitalguard/pkg/hub"
	"github.com/hed1ad/vitalguard/pkg/store"
	"github.com/hed1ad/vitalguard/pkg/vitals"
)

type brokenStore struct{}

func (brokenStore) RecentReadings(context.Context, int) ([]vitals.Reading, error) {
	return nil, errors.New("db down")
}

func (brokenStore) RecentAnomalies(context.Context, int) ([]vitals.AnomalyRecord, error) {
	return nil, errors.New("db down")
}

func newServer(t *testing.T, s Store, opts ...Option) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New()
	srv := httptest.NewServer(NewHandler(s, h, opts...).Routes())
	t.Cleanup(srv.Close)
	return srv, h
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func fill(t *testing.T, s *store.Memory, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		r := vitals.NewReading(time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC), vitals.Features{
			HeartRate: float64(70 + i), SpO2: 98, Temperature: 36.6, ActivityLevel: 20, SleepQuality: 85,
		})
		if i%2 == 1 {
			r.Analysis = vitals.Analysis{RiskScore: 70, Anomalies: []string{"Unusual Physiological Correlation"}, IsAnomaly: true}
		}
		require.NoError(t, s.AppendReading(ctx, &r))
		if r.IsAnomaly {
			rec := vitals.NewAnomalyRecord(r)
			require.NoError(t, s.AppendAnomaly(ctx, &rec))
		}
	}
}

func TestEmptyStoreReturnsEmptyArrays(t *testing.T) {
	srv, _ := newServer(t, store.NewMemory(0))

	for _, path := range []string{"/history", "/anomalies"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.JSONEq(t, `[]`, string(raw), path)
	}
}

func TestHistoryLimits(t *testing.T) {
	s := store.NewMemory(0)
	fill(t, s, 120)
	srv, _ := newServer(t, s, WithLimits(50, 20, 100))

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLen    int
	}{
		{name: "default", query: "", wantStatus: http.StatusOK, wantLen: 50},
		{name: "explicit", query: "?limit=3", wantStatus: http.StatusOK, wantLen: 3},
		{name: "capped", query: "?limit=500", wantStatus: http.StatusOK, wantLen: 100},
		{name: "zero", query: "?limit=0", wantStatus: http.StatusBadRequest},
		{name: "negative", query: "?limit=-2", wantStatus: http.StatusBadRequest},
		{name: "not a number", query: "?limit=abc", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, tt.wantStatus, getJSON(t, srv.URL+"/history"+tt.query, nil))
				return
			}
			var readings []vitals.Reading
			require.Equal(t, tt.wantStatus, getJSON(t, srv.URL+"/history"+tt.query, &readings))
			assert.Len(t, readings, tt.wantLen)
		})
	}
}

func TestHistoryWireFormat(t *testing.T) {
	s := store.NewMemory(0)
	fill(t, s, 3)
	srv, _ := newServer(t, s)

	var rows []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/history?limit=2", &rows))
	require.Len(t, rows, 2)

	assert.Equal(t, 72.0, rows[0]["heart_rate"])
	assert.Equal(t, 71.0, rows[1]["heart_rate"])
	assert.IsType(t, "", rows[0]["_id"])
	assert.NotEmpty(t, rows[0]["_id"])
	for _, key := range []string{"timestamp", "spo2", "temperature", "activity_level", "sleep_quality",
		"anomaly_injected", "risk_score", "anomalies", "is_anomaly"} {
		assert.Contains(t, rows[0], key)
	}
}

func TestAnomalies(t *testing.T) {
	s := store.NewMemory(0)
	fill(t, s, 60)
	srv, _ := newServer(t, s)

	var records []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/anomalies", &records))
	assert.Len(t, records, DefaultAnomalyLimit)

	first := records[0]
	assert.Equal(t, []any{"Unusual Physiological Correlation"}, first["risks"])
	assert.Equal(t, 70.0, first["risk_score"])
	snapshot, ok := first["data_snapshot"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 129.0, snapshot["heart_rate"])
	assert.Equal(t, true, snapshot["is_anomaly"])
}

func TestStoreError(t *testing.T) {
	srv, _ := newServer(t, brokenStore{})
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/history", nil))
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/anomalies", nil))
}

func TestRateLimit(t *testing.T) {
	srv, _ := newServer(t, store.NewMemory(0), WithRateLimit(1))

	var limited bool
	for i := 0; i < 10; i++ {
		if getJSON(t, srv.URL+"/history", nil) == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited)

	// Health checks are not rate limited.
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
}

func TestCORS(t *testing.T) {
	srv, _ := newServer(t, store.NewMemory(0))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/history", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStream(t *testing.T) {
	srv, h := newServer(t, store.NewMemory(0))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	var health map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, 1.0, health["subscribers"])

	// Inbound messages only keep the connection alive.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	payload := []byte(`{"heart_rate":80,"is_anomaly":false}`)
	res := h.Broadcast(context.Background(), payload)
	assert.Equal(t, 1, res.Delivered)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(msg))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
