package echo

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter            metric.Meter
	sessionStarted   metric.Int64Counter
	sessionStopped   metric.Int64Counter
	handshakeFailed  metric.Int64Counter
	sendCompleted    metric.Int64Counter
	sendFailed       metric.Int64Counter
	receiveCompleted metric.Int64Counter
	receiveFailed    metric.Int64Counter
	writeCompleted   metric.Int64Counter
	writeFailed      metric.Int64Counter
	counterStalled   metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/fabric-echo/echo"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	instruments := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"fabric_echo.session.started", &o.sessionStarted},
		{"fabric_echo.session.stopped", &o.sessionStopped},
		{"fabric_echo.handshake.failed", &o.handshakeFailed},
		{"fabric_echo.send.completed", &o.sendCompleted},
		{"fabric_echo.send.failed", &o.sendFailed},
		{"fabric_echo.receive.completed", &o.receiveCompleted},
		{"fabric_echo.receive.failed", &o.receiveFailed},
		{"fabric_echo.write.completed", &o.writeCompleted},
		{"fabric_echo.write.failed", &o.writeFailed},
		{"fabric_echo.counter.stalled", &o.counterStalled},
	}
	for _, inst := range instruments {
		counter, err := meter.Int64Counter(inst.name)
		if err != nil {
			return nil, err
		}
		*inst.dst = counter
	}
	return o, nil
}

// SessionStarted records a session that finished its handshake.
func (o *OTelMetrics) SessionStarted(attrs map[string]string) {
	o.sessionStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// SessionStopped records a session teardown.
func (o *OTelMetrics) SessionStopped(attrs map[string]string) {
	o.sessionStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// HandshakeFailed counts connection setup failures by kind.
func (o *OTelMetrics) HandshakeFailed(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.handshakeFailed.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// SendCompleted records a successful send.
func (o *OTelMetrics) SendCompleted(attrs map[string]string) {
	o.sendCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// SendFailed records a failed send.
func (o *OTelMetrics) SendFailed(_ error, attrs map[string]string) {
	o.sendFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// ReceiveCompleted records a successful receive.
func (o *OTelMetrics) ReceiveCompleted(attrs map[string]string) {
	o.receiveCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// ReceiveFailed records a failed receive.
func (o *OTelMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	o.receiveFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// WriteCompleted records an RMA write that completed locally.
func (o *OTelMetrics) WriteCompleted(attrs map[string]string) {
	o.writeCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// WriteFailed records a failed RMA write.
func (o *OTelMetrics) WriteFailed(_ error, attrs map[string]string) {
	o.writeFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// CounterStalled records a counter wait that expired.
func (o *OTelMetrics) CounterStalled(attrs map[string]string) {
	o.counterStalled.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelMode, attrs[labelMode]),
		attribute.String(labelRole, attrs[labelRole]),
	}
	if v := attrs[labelProvider]; v != "" {
		kvs = append(kvs, attribute.String(labelProvider, v))
	}
	if v := attrs[labelService]; v != "" {
		kvs = append(kvs, attribute.String(labelService, v))
	}
	return kvs
}

func otelAttrsWithOperation(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
