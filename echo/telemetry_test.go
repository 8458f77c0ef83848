package echo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type lineLogger struct {
	lines []string
}

func (l *lineLogger) Debugf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func TestTelemetryFormatsPlainLogger(t *testing.T) {
	logger := &lineLogger{}
	tel := newTelemetry(Config{Service: "8080", Logger: logger}, modeMsg, roleClient)
	tel.event("connect", logKV("dest", "server-host:8080"), logKV("", "dropped"))
	tel.transfer("send", 13, nil)

	require.Equal(t, []string{
		"msg client connect dest=server-host:8080",
		"msg client send operation=send status=ok length=13",
	}, logger.lines)
}

func TestTelemetryNilSafe(t *testing.T) {
	var tel *telemetry
	require.NotPanics(t, func() {
		tel.event("noop")
		tel.started()
		tel.transfer("write", 1, errors.New("boom"))
		tel.counterStalled(2, 1, errors.New("stalled"))
		tel.stopped(nil)
	})
}

func TestTelemetryAttrs(t *testing.T) {
	tel := newTelemetry(Config{Provider: "sockets", Node: "server-host", Service: "4092"}, modeRMA, roleServer)
	attrs := tel.attrs(logKV(labelOperation, "write"))
	require.Equal(t, map[string]string{
		labelMode:      modeRMA,
		labelRole:      roleServer,
		labelProvider:  "sockets",
		labelNode:      "server-host",
		labelService:   "4092",
		labelOperation: "write",
	}, attrs)
}
