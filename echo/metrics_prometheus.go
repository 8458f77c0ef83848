package echo

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	sessionStarted   *prometheus.CounterVec
	sessionStopped   *prometheus.CounterVec
	handshakeFailed  *prometheus.CounterVec
	sendCompleted    *prometheus.CounterVec
	sendFailed       *prometheus.CounterVec
	receiveCompleted *prometheus.CounterVec
	receiveFailed    *prometheus.CounterVec
	writeCompleted   *prometheus.CounterVec
	writeFailed      *prometheus.CounterVec
	counterStalled   *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Counters already registered with the same registerer are reused.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	vec := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		sessionStarted:   vec("fabric_echo_session_started_total", "Number of sessions that completed their handshake", sessionLabelKeys),
		sessionStopped:   vec("fabric_echo_session_stopped_total", "Number of sessions torn down", stopLabelKeys),
		handshakeFailed:  vec("fabric_echo_handshake_failed_total", "Number of failed connection handshakes", handshakeLabelKeys),
		sendCompleted:    vec("fabric_echo_send_completed_total", "Number of successful message sends", completionLabelKeys),
		sendFailed:       vec("fabric_echo_send_failed_total", "Number of failed message sends", failureLabelKeys),
		receiveCompleted: vec("fabric_echo_receive_completed_total", "Number of successful message receives", completionLabelKeys),
		receiveFailed:    vec("fabric_echo_receive_failed_total", "Number of failed message receives", failureLabelKeys),
		writeCompleted:   vec("fabric_echo_write_completed_total", "Number of RMA writes that completed locally", completionLabelKeys),
		writeFailed:      vec("fabric_echo_write_failed_total", "Number of failed RMA writes", failureLabelKeys),
		counterStalled:   vec("fabric_echo_counter_stalled_total", "Number of counter waits that expired without reaching the threshold", failureLabelKeys),
	}

	for _, slot := range []**prometheus.CounterVec{
		&p.sessionStarted, &p.sessionStopped, &p.handshakeFailed,
		&p.sendCompleted, &p.sendFailed, &p.receiveCompleted, &p.receiveFailed,
		&p.writeCompleted, &p.writeFailed, &p.counterStalled,
	} {
		registered, err := registerCounterVec(reg, *slot)
		if err != nil {
			return nil, err
		}
		*slot = registered
	}
	return p, nil
}

var (
	sessionLabelKeys    = []string{labelMode, labelRole, labelProvider, labelService}
	stopLabelKeys       = []string{labelMode, labelRole, labelProvider, labelService, labelStatus}
	handshakeLabelKeys  = []string{labelMode, labelRole, labelProvider, labelService, labelKind}
	completionLabelKeys = []string{labelMode, labelRole, labelProvider, labelService, labelOperation, labelStatus}
	failureLabelKeys    = []string{labelMode, labelRole, labelProvider, labelService, labelOperation}
)

func (p *PrometheusMetrics) SessionStarted(attrs map[string]string) {
	p.sessionStarted.With(labels(attrs, sessionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SessionStopped(attrs map[string]string) {
	p.sessionStopped.With(labels(attrs, stopLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) HandshakeFailed(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, handshakeLabelKeys...)
	labs[labelKind] = kind
	p.handshakeFailed.With(labs).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.sendCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveCompleted(attrs map[string]string) {
	p.receiveCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	p.receiveFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) WriteCompleted(attrs map[string]string) {
	p.writeCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) WriteFailed(_ error, attrs map[string]string) {
	p.writeFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CounterStalled(attrs map[string]string) {
	p.counterStalled.With(labels(attrs, failureLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
