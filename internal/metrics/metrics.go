// Package metrics holds the OpenTelemetry instruments recorded by the
// gateway and the provider that exposes them to Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/mossy-p/webrtc-mesh"

// Metrics holds every instrument. The zero value is not usable; build one
// with New or Nop.
type Metrics struct {
	// HTTPRequestDuration tracks request latency by method, route and status.
	HTTPRequestDuration metric.Float64Histogram

	// ActiveSockets counts websocket bridges currently open.
	ActiveSockets metric.Int64UpDownCounter

	// SignalsRelayed counts envelopes moved through the bridge, by
	// direction (inbound from a socket, outbound to it) and signal kind.
	SignalsRelayed metric.Int64Counter

	// SignalsRejected counts client frames the bridge refused, by reason.
	SignalsRejected metric.Int64Counter
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// New creates the instruments on mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HTTPRequestDuration, err = m.Float64Histogram("webrtc_mesh.http.request.duration",
		metric.WithDescription("Latency of gateway HTTP requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if met.ActiveSockets, err = m.Int64UpDownCounter("webrtc_mesh.gateway.sockets",
		metric.WithDescription("Open signalling websockets."),
	); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if met.SignalsRelayed, err = m.Int64Counter("webrtc_mesh.gateway.signals",
		metric.WithDescription("Envelopes relayed through the gateway by direction and kind."),
	); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if met.SignalsRejected, err = m.Int64Counter("webrtc_mesh.gateway.signals.rejected",
		metric.WithDescription("Client frames rejected by the gateway by reason."),
	); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return met, nil
}

// Nop returns instruments that record nothing.
func Nop() *Metrics {
	m, err := New(noop.NewMeterProvider())
	if err != nil {
		// The no-op provider never fails.
		panic(err)
	}
	return m
}

// Provider is an SDK meter provider read by a Prometheus exporter.
type Provider struct {
	*sdkmetric.MeterProvider
}

// NewProvider builds the provider and registers its exporter with the
// default Prometheus registry.
func NewProvider() (*Provider, error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: prometheus exporter: %w", err)
	}
	return &Provider{MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))}, nil
}

// Handler serves the scrape endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.MeterProvider.Shutdown(ctx)
}
