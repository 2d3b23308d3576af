package shmcast

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const meterScope = "gosuda.org/shmcast"

func linkAttributes(t LinkType, label string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("shmcast.channel", label),
		attribute.String("shmcast.transport", t.String()),
	}
}

// traceOpen runs open inside a span. Only the slow setup path is traced;
// messages never are.
func traceOpen[L any](tracer trace.Tracer, t LinkType, label string, open func() (L, error)) (L, error) {
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(meterScope)
	}
	_, span := tracer.Start(context.Background(), "shmcast.open "+t.String(),
		trace.WithAttributes(linkAttributes(t, label)...))
	defer span.End()
	l, err := open()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return l, err
}

type linkMetrics struct {
	attrs     metric.MeasurementOption
	sentMsgs  metric.Int64Counter
	sentBytes metric.Int64Counter
	recvMsgs  metric.Int64Counter
	recvBytes metric.Int64Counter
}

func newLinkMetrics(meter metric.Meter, t LinkType, label string) (*linkMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterScope)
	}
	m := &linkMetrics{
		attrs: metric.WithAttributeSet(attribute.NewSet(linkAttributes(t, label)...)),
	}
	var err error
	if m.sentMsgs, err = meter.Int64Counter("shmcast.messages.sent",
		metric.WithDescription("Messages published on the channel."),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.sentBytes, err = meter.Int64Counter("shmcast.bytes.sent",
		metric.WithDescription("Payload bytes published on the channel."),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.recvMsgs, err = meter.Int64Counter("shmcast.messages.received",
		metric.WithDescription("Messages consumed from the channel."),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.recvBytes, err = meter.Int64Counter("shmcast.bytes.received",
		metric.WithDescription("Payload bytes consumed from the channel."),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *linkMetrics) sent(ctx context.Context, n int) {
	m.sentMsgs.Add(ctx, 1, m.attrs)
	m.sentBytes.Add(ctx, int64(n), m.attrs)
}

func (m *linkMetrics) received(ctx context.Context, n int) {
	m.recvMsgs.Add(ctx, 1, m.attrs)
	m.recvBytes.Add(ctx, int64(n), m.attrs)
}
