package echo

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{
		labelMode:     modeRMA,
		labelRole:     roleServer,
		labelProvider: "sockets",
		labelService:  "4092",
	}
	metrics.SessionStarted(base)
	metrics.HandshakeFailed("accept_error", errors.New("boom"), base)

	opAttrs := map[string]string{
		labelMode:      modeRMA,
		labelRole:      roleServer,
		labelProvider:  "sockets",
		labelService:   "4092",
		labelOperation: "write",
		labelStatus:    "ok",
	}
	metrics.SendCompleted(opAttrs)
	metrics.SendFailed(errors.New("fail"), opAttrs)
	metrics.ReceiveCompleted(opAttrs)
	metrics.ReceiveFailed(errors.New("rfail"), opAttrs)
	metrics.WriteCompleted(opAttrs)
	metrics.WriteCompleted(opAttrs)
	metrics.WriteFailed(errors.New("wfail"), opAttrs)
	metrics.CounterStalled(opAttrs)
	metrics.SessionStopped(opAttrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"fabric_echo_session_started_total":   1,
		"fabric_echo_session_stopped_total":   1,
		"fabric_echo_handshake_failed_total":  1,
		"fabric_echo_send_completed_total":    1,
		"fabric_echo_send_failed_total":       1,
		"fabric_echo_receive_completed_total": 1,
		"fabric_echo_receive_failed_total":    1,
		"fabric_echo_write_completed_total":   2,
		"fabric_echo_write_failed_total":      1,
		"fabric_echo_counter_stalled_total":   1,
	}

	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func TestPrometheusMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
	attrs := map[string]string{labelMode: modeMsg, labelRole: roleClient}
	first.SessionStarted(attrs)
	second.SessionStarted(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "fabric_echo_session_started_total"); got != 2 {
		t.Fatalf("expected shared counter, got %v", got)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}
