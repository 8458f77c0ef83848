package echo

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{
		labelMode:     modeMsg,
		labelRole:     roleClient,
		labelProvider: "sockets",
		labelService:  "8080",
	}
	metrics.SessionStarted(base)
	metrics.SessionStopped(base)
	metrics.HandshakeFailed("connected_error", errors.New("refused"), base)

	opAttrs := map[string]string{
		labelMode:      modeMsg,
		labelRole:      roleClient,
		labelProvider:  "sockets",
		labelService:   "8080",
		labelOperation: "send",
		labelStatus:    "ok",
	}
	metrics.SendCompleted(opAttrs)
	metrics.SendFailed(errors.New("fail"), opAttrs)
	metrics.ReceiveCompleted(opAttrs)
	metrics.ReceiveFailed(errors.New("rfail"), opAttrs)
	metrics.WriteCompleted(opAttrs)
	metrics.WriteFailed(errors.New("wfail"), opAttrs)
	metrics.CounterStalled(opAttrs)
	metrics.CounterStalled(opAttrs)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"fabric_echo.session.started":   1,
		"fabric_echo.session.stopped":   1,
		"fabric_echo.handshake.failed":  1,
		"fabric_echo.send.completed":    1,
		"fabric_echo.send.failed":       1,
		"fabric_echo.receive.completed": 1,
		"fabric_echo.receive.failed":    1,
		"fabric_echo.write.completed":   1,
		"fabric_echo.write.failed":      1,
		"fabric_echo.counter.stalled":   2,
	}

	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
