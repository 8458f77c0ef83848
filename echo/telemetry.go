package echo

import (
	"fmt"
	"strings"
)

// Logger provides debug logging hooks for sessions.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
// *zap.SugaredLogger satisfies both Logger and StructuredLogger.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute is a key/value attached to session spans and span events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts the span that covers a session.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records session lifecycle, events and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures session telemetry events.
type MetricHook interface {
	SessionStarted(attrs map[string]string)
	SessionStopped(attrs map[string]string)
	HandshakeFailed(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
	WriteCompleted(attrs map[string]string)
	WriteFailed(err error, attrs map[string]string)
	CounterStalled(attrs map[string]string)
}

const (
	labelMode      = "mode"
	labelRole      = "role"
	labelProvider  = "provider"
	labelNode      = "node"
	labelService   = "service"
	labelKind      = "kind"
	labelOperation = "operation"
	labelStatus    = "status"
)

const (
	modeMsg = "msg"
	modeRMA = "rma"

	roleServer = "server"
	roleClient = "client"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// telemetry fans session events out to the configured logger, span and
// metric hook. Every method is safe on a nil receiver.
type telemetry struct {
	mode     string
	role     string
	provider string
	node     string
	service  string

	logger     Logger
	structured StructuredLogger
	metrics    MetricHook
	span       Span
}

func newTelemetry(cfg Config, mode, role string) *telemetry {
	t := &telemetry{
		mode:       mode,
		role:       role,
		provider:   cfg.Provider,
		node:       cfg.Node,
		service:    cfg.Service,
		logger:     cfg.Logger,
		structured: cfg.StructuredLogger,
		metrics:    cfg.Metrics,
	}
	if cfg.Tracer != nil {
		t.span = cfg.Tracer.StartSpan("fabric-echo."+mode+"."+role,
			TraceAttribute{Key: labelMode, Value: mode},
			TraceAttribute{Key: labelRole, Value: role},
			TraceAttribute{Key: labelService, Value: cfg.Service},
		)
	}
	return t
}

func (t *telemetry) attrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+5)
	attrs[labelMode] = t.mode
	attrs[labelRole] = t.role
	if t.provider != "" {
		attrs[labelProvider] = t.provider
	}
	if t.node != "" {
		attrs[labelNode] = t.node
	}
	if t.service != "" {
		attrs[labelService] = t.service
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

// event logs a lifecycle step and mirrors it onto the session span.
func (t *telemetry) event(event string, fields ...logField) {
	if t == nil {
		return
	}
	t.log(event, fields...)
	if t.span != nil {
		t.span.AddEvent(event, attributesFromFields(fields...)...)
	}
}

func (t *telemetry) log(event string, fields ...logField) {
	if t.structured != nil {
		kv := make([]any, 0, len(fields)*2+6)
		kv = append(kv, "event", event, labelMode, t.mode, labelRole, t.role)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		t.structured.Debugw("fabric echo session", kv...)
		return
	}
	if t.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	t.logger.Debugf("%s %s %s", t.mode, t.role, b.String())
}

// failure records err against the session span and logs it under event.
func (t *telemetry) failure(event string, err error, fields ...logField) {
	if t == nil || err == nil {
		return
	}
	t.event(event, append(fields, logKV("error", err))...)
	if t.span != nil {
		t.span.RecordError(err)
	}
}

func (t *telemetry) started() {
	if t == nil {
		return
	}
	t.event("session_start")
	if t.metrics != nil {
		t.metrics.SessionStarted(t.attrs())
	}
}

func (t *telemetry) stopped(err error) {
	if t == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.event("session_stop", logKV(labelStatus, status))
	if t.metrics != nil {
		t.metrics.SessionStopped(t.attrs(logKV(labelStatus, status)))
	}
	t.end(err)
}

// end closes the session span. Later calls are no-ops.
func (t *telemetry) end(err error) {
	if t == nil || t.span == nil {
		return
	}
	t.span.End(err)
	t.span = nil
}

func (t *telemetry) handshakeFailed(kind string, err error) {
	if t == nil {
		return
	}
	t.failure(kind, err)
	if t.metrics != nil {
		t.metrics.HandshakeFailed(kind, err, t.attrs())
	}
	t.end(err)
}

// transfer records the outcome of one data movement operation.
func (t *telemetry) transfer(op string, size int, err error) {
	if t == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	fields := []logField{logKV(labelOperation, op), logKV(labelStatus, status)}
	if err != nil {
		t.failure(op+"_error", err, fields...)
	} else {
		t.event(op, append(fields, logKV("length", size))...)
	}
	if t.metrics == nil {
		return
	}
	attrs := t.attrs(fields...)
	switch {
	case op == "send" && err == nil:
		t.metrics.SendCompleted(attrs)
	case op == "send":
		t.metrics.SendFailed(err, attrs)
	case op == "recv" && err == nil:
		t.metrics.ReceiveCompleted(attrs)
	case op == "recv":
		t.metrics.ReceiveFailed(err, attrs)
	case op == "write" && err == nil:
		t.metrics.WriteCompleted(attrs)
	case op == "write":
		t.metrics.WriteFailed(err, attrs)
	}
}

func (t *telemetry) counterStalled(threshold, value uint64, err error) {
	if t == nil {
		return
	}
	t.failure("counter_stalled", err, logKV("threshold", threshold), logKV("value", value))
	if t.metrics != nil {
		t.metrics.CounterStalled(t.attrs(logKV(labelOperation, "counter_wait")))
	}
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
