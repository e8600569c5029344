package http

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/recalld/internal/narrative"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

// route identifies one requests_total series.
type route struct {
	method   string
	endpoint string
	status   int64
}

func newMeteredServer(t *testing.T) (*testServer, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	ts := &testServer{
		assembler:  &fakeAssembler{},
		memories:   &fakeMemories{},
		narratives: &fakeNarratives{state: narrative.Absent},
	}
	server, err := NewServer(Deps{
		Assembler:  ts.assembler,
		Memories:   ts.memories,
		Narratives: ts.narratives,
	}, zap.NewNop(), &Config{Host: "127.0.0.1", MeterProvider: mp})
	require.NoError(t, err)
	ts.Server = server
	return ts, reader
}

func collectRequests(t *testing.T, reader *sdkmetric.ManualReader) map[route]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[route]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "recalld.http.requests_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "requests_total is a sum")
			for _, dp := range sum.DataPoints {
				out[route{
					method:   attr(dp.Attributes, "method").AsString(),
					endpoint: attr(dp.Attributes, "endpoint").AsString(),
					status:   attr(dp.Attributes, "status").AsInt64(),
				}] += dp.Value
			}
		}
	}
	return out
}

func attr(set attribute.Set, key string) attribute.Value {
	v, _ := set.Value(attribute.Key(key))
	return v
}

func TestMetricsMiddleware_LabelsRecalldRoutes(t *testing.T) {
	ts, reader := newMeteredServer(t)

	ts.do(http.MethodGet, "/health", nil)
	ts.do(http.MethodPost, "/api/v1/context", ContextRequest{UserID: "alice", Text: "hi"})
	ts.do(http.MethodGet, "/api/v1/narratives/alice", nil)
	ts.do(http.MethodGet, "/api/v1/narratives/bob", nil)
	ts.do(http.MethodDelete, "/api/v1/narratives/alice", nil)
	ts.do(http.MethodPost, "/api/v1/narratives/bob/refresh", nil)

	got := collectRequests(t, reader)

	assert.Equal(t, int64(1), got[route{http.MethodGet, "/health", http.StatusOK}])
	assert.Equal(t, int64(1), got[route{http.MethodPost, "/api/v1/context", http.StatusOK}])
	assert.Equal(t, int64(2), got[route{http.MethodGet, "/api/v1/narratives/:user", http.StatusNotFound}],
		"both users share the route series")
	assert.Equal(t, int64(1), got[route{http.MethodDelete, "/api/v1/narratives/:user", http.StatusNoContent}])
	assert.Equal(t, int64(1), got[route{http.MethodPost, "/api/v1/narratives/:user/refresh", http.StatusAccepted}])

	for r := range got {
		assert.NotContains(t, r.endpoint, "alice")
		assert.NotContains(t, r.endpoint, "bob")
	}
}

func TestMetricsMiddleware_ErrorStatusIsRecorded(t *testing.T) {
	ts, reader := newMeteredServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/context", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	ts.do(http.MethodGet, "/no/such/path/carol", nil)

	got := collectRequests(t, reader)
	assert.Equal(t, int64(1), got[route{http.MethodPost, "/api/v1/context", http.StatusBadRequest}])
	for r := range got {
		assert.False(t, strings.Contains(r.endpoint, "carol"), "unmatched path leaked into label %q", r.endpoint)
	}
}

func TestMetricsMiddleware_RecordsDurationAndSize(t *testing.T) {
	ts, reader := newMeteredServer(t)
	ts.narratives.state = narrative.Fresh
	ts.narratives.entry = &narrative.NarrativeEntry{UserID: "alice", Content: "Alice is a nurse."}

	ts.do(http.MethodGet, "/api/v1/narratives/alice", nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			seen[m.Name] = true
			switch m.Name {
			case "recalld.http.request_duration_seconds":
				hist, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				require.Len(t, hist.DataPoints, 1)
				assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
			case "recalld.http.response_size_bytes":
				hist, ok := m.Data.(metricdata.Histogram[int64])
				require.True(t, ok)
				require.Len(t, hist.DataPoints, 1)
				assert.Positive(t, hist.DataPoints[0].Sum)
			case "recalld.http.active_requests":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				require.Len(t, sum.DataPoints, 1)
				assert.Zero(t, sum.DataPoints[0].Value)
			}
		}
	}
	assert.True(t, seen["recalld.http.requests_total"])
	assert.True(t, seen["recalld.http.request_duration_seconds"])
	assert.True(t, seen["recalld.http.response_size_bytes"])
	assert.True(t, seen["recalld.http.active_requests"])
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", unmatchedRoute},
		{"/health", "/health"},
		{"/api/v1/narratives/:user", "/api/v1/narratives/:user"},
		{"/api/v1/narratives/:user/refresh", "/api/v1/narratives/:user/refresh"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, routeLabel(tt.input), tt.input)
	}
}
