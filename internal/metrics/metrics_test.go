package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := New(mp)
	require.NoError(t, err)
	return m, reader
}

func find(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestInstrumentsRecord(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSockets.Add(ctx, 1)
	m.ActiveSockets.Add(ctx, 1)
	m.ActiveSockets.Add(ctx, -1)
	m.SignalsRelayed.Add(ctx, 3, metric.WithAttributes(attribute.String("direction", "inbound"), attribute.String("kind", "offer")))
	m.HTTPRequestDuration.Record(ctx, 0.02)

	sockets := find(t, reader, "webrtc_mesh.gateway.sockets")
	require.NotNil(t, sockets)
	sum, ok := sockets.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.EqualValues(t, 1, sum.DataPoints[0].Value)

	relayed := find(t, reader, "webrtc_mesh.gateway.signals")
	require.NotNil(t, relayed)
	counts, ok := relayed.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, counts.DataPoints, 1)
	assert.EqualValues(t, 3, counts.DataPoints[0].Value)
	kind, _ := counts.DataPoints[0].Attributes.Value("kind")
	assert.Equal(t, "offer", kind.AsString())

	latency := find(t, reader, "webrtc_mesh.http.request.duration")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.EqualValues(t, 1, hist.DataPoints[0].Count)
}

func TestNopRecordsNothing(t *testing.T) {
	m := Nop()
	assert.NotPanics(t, func() {
		m.ActiveSockets.Add(context.Background(), 1)
		m.SignalsRejected.Add(context.Background(), 1)
	})
}
