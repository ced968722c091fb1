// Package metrics wires up the agent's otel meter provider and
// exposes it over Prometheus, the same way the teacher's mux.Hub
// mounts /metrics. Instruments here track the handful of counters and
// gauges the dispatcher and steal manager need: open outgoing
// connections, open stolen connections, iptables rule-install
// failures, and HTTP exchanges in flight.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Agent holds every instrument the agent's subsystems record against.
type Agent struct {
	OutgoingConnectionsOpen metric.Int64UpDownCounter
	StolenConnectionsOpen   metric.Int64UpDownCounter
	IPTablesRuleFailures    metric.Int64Counter
	HTTPExchangesInFlight   metric.Int64UpDownCounter
	BridgeConnectionsTotal  metric.Int64Counter

	handler http.Handler
}

// New builds the meter provider backed by a Prometheus exporter,
// installs it as the global provider (mirroring the teacher's
// otel.SetMeterProvider call), and registers every instrument this
// module emits.
func New() (*Agent, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/otterscale/netshift-agent")

	a := &Agent{handler: promhttp.Handler()}

	a.OutgoingConnectionsOpen, err = meter.Int64UpDownCounter(
		"netshift_outgoing_connections_open",
		metric.WithDescription("Open OutgoingTcp/OutgoingUdp connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: register outgoing_connections_open: %w", err)
	}

	a.StolenConnectionsOpen, err = meter.Int64UpDownCounter(
		"netshift_stolen_connections_open",
		metric.WithDescription("Open steal-mode connections accepted by the shared listener"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: register stolen_connections_open: %w", err)
	}

	a.IPTablesRuleFailures, err = meter.Int64Counter(
		"netshift_iptables_rule_failures_total",
		metric.WithDescription("Failed iptables rule install/remove operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: register iptables_rule_failures_total: %w", err)
	}

	a.HTTPExchangesInFlight, err = meter.Int64UpDownCounter(
		"netshift_http_exchanges_in_flight",
		metric.WithDescription("HTTP steal requests forwarded to a layer and awaiting a response"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: register http_exchanges_in_flight: %w", err)
	}

	a.BridgeConnectionsTotal, err = meter.Int64Counter(
		"netshift_bridge_connections_total",
		metric.WithDescription("TCP connections the tunnel bridge has relayed into the in-memory pipe listener"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: register bridge_connections_total: %w", err)
	}

	return a, nil
}

// Handler returns the /metrics HTTP handler, mounted on the
// side-channel transport.Server that transport.Serve runs alongside
// the control acceptor and the tunnel bridge and client.
func (a *Agent) Handler() http.Handler { return a.handler }

// IncOutgoingConnection records an OutgoingTcp/OutgoingUdp connect.
func (a *Agent) IncOutgoingConnection(ctx context.Context) {
	a.OutgoingConnectionsOpen.Add(ctx, 1)
}

// DecOutgoingConnection records an OutgoingTcp/OutgoingUdp close.
func (a *Agent) DecOutgoingConnection(ctx context.Context) {
	a.OutgoingConnectionsOpen.Add(ctx, -1)
}

// IncStolenConnection records a steal listener accept.
func (a *Agent) IncStolenConnection(ctx context.Context) {
	a.StolenConnectionsOpen.Add(ctx, 1)
}

// DecStolenConnection records a stolen connection closing.
func (a *Agent) DecStolenConnection(ctx context.Context) {
	a.StolenConnectionsOpen.Add(ctx, -1)
}

// RecordIPTablesFailure records a failed rule install or removal.
func (a *Agent) RecordIPTablesFailure(ctx context.Context) {
	a.IPTablesRuleFailures.Add(ctx, 1)
}

// IncHTTPExchange records a TcpStealHttpRequest forwarded to a layer.
func (a *Agent) IncHTTPExchange(ctx context.Context) {
	a.HTTPExchangesInFlight.Add(ctx, 1)
}

// DecHTTPExchange records the matching HttpResponse (or timeout).
func (a *Agent) DecHTTPExchange(ctx context.Context) {
	a.HTTPExchangesInFlight.Add(ctx, -1)
}

// IncBridgeRelay records one TCP connection the tunnel bridge has
// handed off to the pipe listener.
func (a *Agent) IncBridgeRelay(ctx context.Context) {
	a.BridgeConnectionsTotal.Add(ctx, 1)
}
