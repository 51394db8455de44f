package convo

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// sessionMetrics holds the counters a Manager reports. Without a meter the
// counters stay nil and every increment is dropped, so callers never branch
// on whether a meter was supplied.
type sessionMetrics struct {
	connectAttempts  metric.Int64Counter
	reconnects       metric.Int64Counter
	messagesSent     metric.Int64Counter
	messagesReceived metric.Int64Counter
	errors           metric.Int64Counter
}

func newSessionMetrics(meter metric.Meter) (*sessionMetrics, error) {
	if meter == nil {
		return &sessionMetrics{}, nil
	}
	var (
		sm  sessionMetrics
		err error
	)
	if sm.connectAttempts, err = meter.Int64Counter("convo.connect.attempts",
		metric.WithDescription("Connection attempts, including automatic retries")); err != nil {
		return nil, err
	}
	if sm.reconnects, err = meter.Int64Counter("convo.reconnects",
		metric.WithDescription("Automatic reconnect attempts scheduled after transient failures")); err != nil {
		return nil, err
	}
	if sm.messagesSent, err = meter.Int64Counter("convo.messages.sent",
		metric.WithDescription("Outbound user messages accepted for transmission")); err != nil {
		return nil, err
	}
	if sm.messagesReceived, err = meter.Int64Counter("convo.messages.received",
		metric.WithDescription("Inbound transcript and response messages")); err != nil {
		return nil, err
	}
	if sm.errors, err = meter.Int64Counter("convo.errors",
		metric.WithDescription("Session errors by kind")); err != nil {
		return nil, err
	}
	return &sm, nil
}

func (sm *sessionMetrics) incr(c metric.Int64Counter, opts ...metric.AddOption) {
	if sm == nil || c == nil {
		return
	}
	c.Add(context.Background(), 1, opts...)
}
