package websocket

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the websocket instruments.
type Metrics struct {
	connectionsTotal   metric.Int64Counter
	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram
	messagesSent       metric.Int64Counter
	messageBytes       metric.Int64Counter
	droppedClients     metric.Int64Counter
}

// NewMetrics registers the websocket instruments on meter. A nil meter
// yields no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("websocket")
	}
	m := &Metrics{}
	var err error

	if m.connectionsTotal, err = meter.Int64Counter("websocket_connections_total",
		metric.WithDescription("Total number of WebSocket connections")); err != nil {
		return nil, fmt.Errorf("connections counter: %w", err)
	}
	if m.connectionsActive, err = meter.Int64UpDownCounter("websocket_connections_active",
		metric.WithDescription("Number of active WebSocket connections")); err != nil {
		return nil, fmt.Errorf("active connections counter: %w", err)
	}
	if m.connectionDuration, err = meter.Float64Histogram("websocket_connection_duration_seconds",
		metric.WithDescription("Duration of WebSocket connections"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("connection duration histogram: %w", err)
	}
	if m.messagesSent, err = meter.Int64Counter("websocket_messages_sent_total",
		metric.WithDescription("Messages queued to WebSocket clients")); err != nil {
		return nil, fmt.Errorf("messages counter: %w", err)
	}
	if m.messageBytes, err = meter.Int64Counter("websocket_message_bytes_total",
		metric.WithDescription("Bytes queued to WebSocket clients"),
		metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("message bytes counter: %w", err)
	}
	if m.droppedClients, err = meter.Int64Counter("websocket_dropped_clients_total",
		metric.WithDescription("Clients disconnected because their send buffer was full")); err != nil {
		return nil, fmt.Errorf("dropped clients counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) recordConnect(ctx context.Context) {
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

func (m *Metrics) recordDisconnect(ctx context.Context, d time.Duration, reason string) {
	m.connectionsActive.Add(ctx, -1)
	m.connectionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("reason", reason)))
	if reason == reasonSlowConsumer {
		m.droppedClients.Add(ctx, 1)
	}
}

func (m *Metrics) recordSend(ctx context.Context, msgType string, size int) {
	attrs := metric.WithAttributes(attribute.String("type", msgType))
	m.messagesSent.Add(ctx, 1, attrs)
	m.messageBytes.Add(ctx, int64(size), attrs)
}
