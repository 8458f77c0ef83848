package echo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/fabric-echo/fi"
	"github.com/rocketbitz/fabric-echo/provider/sockets"
)

const testTimeout = 2 * time.Second

// loopbackConfig returns a config whose sessions share one in-process
// network. Both sides of a test must use the same backend.
func loopbackConfig(service string) Config {
	backend := sockets.New(sockets.WithNetwork(sockets.NewLoopback()), sockets.WithDialTimeout(testTimeout))
	return Config{
		Backend: fi.Backend(backend),
		Node:    "server-host",
		Service: service,
		Timeout: testTimeout,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider(t *testing.T) (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	})
	return tp, recorder
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

func spanEventNames(span tracesdk.ReadOnlySpan) []string {
	names := make([]string, 0, len(span.Events()))
	for _, evt := range span.Events() {
		names = append(names, evt.Name)
	}
	return names
}

type otelTracerAdapter struct {
	tracer trace.Tracer
}

func (o *otelTracerAdapter) StartSpan(name string, attrs ...TraceAttribute) Span {
	if o == nil || o.tracer == nil {
		return nil
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(attributes...))
	return &otelSpanAdapter{span: span}
}

type otelSpanAdapter struct {
	span trace.Span
}

func (s *otelSpanAdapter) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s *otelSpanAdapter) AddEvent(name string, attrs ...TraceAttribute) {
	if s == nil || s.span == nil {
		return
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	s.span.AddEvent(name, trace.WithAttributes(attributes...))
}

func (s *otelSpanAdapter) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
}

func toAttribute(attr TraceAttribute) attribute.KeyValue {
	if attr.Key == "" {
		return attribute.String("undefined", fmt.Sprint(attr.Value))
	}
	switch v := attr.Value.(type) {
	case nil:
		return attribute.String(attr.Key, "")
	case string:
		return attribute.String(attr.Key, v)
	case fmt.Stringer:
		return attribute.String(attr.Key, v.String())
	case bool:
		return attribute.Bool(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case uint64:
		return attribute.Int64(attr.Key, int64(v))
	case error:
		return attribute.String(attr.Key, v.Error())
	default:
		return attribute.String(attr.Key, fmt.Sprint(attr.Value))
	}
}

// metricRecorder counts hook calls by name.
type metricRecorder struct {
	counts chan string
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{counts: make(chan string, 256)}
}

func (m *metricRecorder) record(name string) {
	select {
	case m.counts <- name:
	default:
	}
}

func (m *metricRecorder) snapshot() map[string]int {
	out := make(map[string]int)
	for {
		select {
		case name := <-m.counts:
			out[name]++
		default:
			return out
		}
	}
}

func (m *metricRecorder) SessionStarted(map[string]string) { m.record("session_started") }
func (m *metricRecorder) SessionStopped(map[string]string) { m.record("session_stopped") }
func (m *metricRecorder) SendCompleted(map[string]string) { m.record("send_completed") }
func (m *metricRecorder) SendFailed(error, map[string]string) { m.record("send_failed") }
func (m *metricRecorder) ReceiveCompleted(map[string]string) { m.record("receive_completed") }
func (m *metricRecorder) ReceiveFailed(error, map[string]string) { m.record("receive_failed") }
func (m *metricRecorder) WriteCompleted(map[string]string) { m.record("write_completed") }
func (m *metricRecorder) WriteFailed(error, map[string]string) { m.record("write_failed") }
func (m *metricRecorder) CounterStalled(map[string]string) { m.record("counter_stalled") }
func (m *metricRecorder) HandshakeFailed(string, error, map[string]string) {
	m.record("handshake_failed")
}
