package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/fabric-echo/echo"
	"github.com/rocketbitz/fabric-echo/fi"
	"github.com/rocketbitz/fabric-echo/provider/sockets"
)

const envPrefix = "FABRIC_ECHO"

// commandDeps carries what tests substitute. A nil backend selects the
// sockets provider over TCP.
type commandDeps struct {
	backend fi.Backend
}

type options struct {
	port        string
	mode        string
	message     string
	provider    string
	timeout     time.Duration
	wait        fi.WaitMode
	logLevel    string
	metricsAddr string
}

func newRootCmd(deps commandDeps) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "fabric-echo [server-address]",
		Short: "Exchange a message over a fabric provider",
		Long: `Without arguments fabric-echo listens on --port and echoes one message.
With a server address it connects, sends --message and prints the reply.
Every flag can also be set through FABRIC_ECHO_<FLAG> environment variables.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Too many arguments!")
				return err
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindConfig(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd, v, deps, args)
			if err != nil {
				reportError(cmd.ErrOrStderr(), err)
			}
			return err
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		fmt.Fprintln(c.ErrOrStderr(), err)
		return err
	})

	flags := cmd.Flags()
	flags.String("port", echo.DefaultService, "port the server listens on and the client connects to")
	flags.String("mode", "msg", "transfer protocol: msg (send/recv) or rma (remote write)")
	flags.String("message", "", "payload the client sends (default \"Hello, World!\" for msg, \"ping\" for rma)")
	flags.String("provider", "", "restrict discovery to this provider")
	flags.Duration("timeout", echo.DefaultTimeout, "bound for each handshake, completion and counter wait")
	flags.String("wait", "poll", "completion wait mode: poll or block")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func bindConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(flags)
}

func loadOptions(v *viper.Viper) (options, error) {
	opts := options{
		port:        v.GetString("port"),
		mode:        strings.ToLower(v.GetString("mode")),
		message:     v.GetString("message"),
		provider:    v.GetString("provider"),
		timeout:     v.GetDuration("timeout"),
		logLevel:    v.GetString("log-level"),
		metricsAddr: v.GetString("metrics-addr"),
	}
	wait, err := fi.ParseWaitMode(v.GetString("wait"))
	if err != nil {
		return opts, err
	}
	opts.wait = wait
	switch opts.mode {
	case "msg":
		if opts.message == "" {
			opts.message = echo.DefaultMessage
		}
	case "rma":
		if opts.message == "" {
			opts.message = echo.DefaultPing
		}
	default:
		return opts, fmt.Errorf("unknown mode %q", opts.mode)
	}
	if opts.port == "" {
		return opts, errors.New("port must not be empty")
	}
	return opts, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl.Level() == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func run(cmd *cobra.Command, v *viper.Viper, deps commandDeps, args []string) (err error) {
	opts, err := loadOptions(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	backend := deps.backend
	if backend == nil {
		backend = sockets.New(sockets.WithLogger(logger.Named("sockets")))
	}
	sugar := logger.Sugar()
	cfg := echo.Config{
		Backend:          backend,
		Provider:         opts.provider,
		Service:          opts.port,
		Timeout:          opts.timeout,
		Wait:             opts.wait,
		Logger:           sugar,
		StructuredLogger: sugar,
	}
	if opts.metricsAddr != "" {
		metrics, shutdown, err := serveMetrics(opts.metricsAddr, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		cfg.Metrics = metrics
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		fmt.Fprintln(out, "Running as SERVER")
		if opts.mode == "rma" {
			return serveRMA(ctx, cfg, out, logger)
		}
		return serveMsg(ctx, cfg, out)
	}

	cfg.Node = args[0]
	if host, port, err := net.SplitHostPort(args[0]); err == nil {
		cfg.Node, cfg.Service = host, port
	}
	fmt.Fprintln(out, "Running as CLIENT")
	if opts.mode == "rma" {
		return pingRMA(ctx, cfg, []byte(opts.message), out)
	}
	return sendMsg(ctx, cfg, []byte(opts.message), out)
}

func serveMsg(ctx context.Context, cfg echo.Config, out io.Writer) (err error) {
	ln, err := echo.Listen(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, ln.Close()) }()
	addr, err := ln.Addr()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Listening on %s\n", addr)

	conn, err := ln.Accept(ctx)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, conn.Close()) }()
	msg, err := conn.Receive(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Received: %s\n", msg)
	return conn.Send(ctx, msg)
}

func sendMsg(ctx context.Context, cfg echo.Config, payload []byte, out io.Writer) (err error) {
	conn, err := echo.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, conn.Close()) }()
	if err := conn.Send(ctx, payload); err != nil {
		return err
	}
	reply, err := conn.Receive(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Received: %s\n", reply)
	return nil
}

func serveRMA(ctx context.Context, cfg echo.Config, out io.Writer, logger *zap.Logger) (err error) {
	peer, err := echo.ListenPeer(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, peer.Close()) }()
	fmt.Fprintf(out, "Listening on %s\n", peer.Name())

	ex, err := peer.Serve(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Received: %s\n", ex.Payload)
	if !ex.ReplyConfirmed {
		logger.Warn("reply write not reflected by the counter",
			zap.ByteString("peer", ex.From),
			zap.Uint64("counter", ex.Counter))
	}
	return nil
}

func pingRMA(ctx context.Context, cfg echo.Config, payload []byte, out io.Writer) (err error) {
	peer, err := echo.DialPeer(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, peer.Close()) }()
	ex, err := peer.Ping(ctx, payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Received: %s\n", ex.Payload)
	return nil
}

func serveMetrics(addr string, logger *zap.Logger) (echo.MetricHook, func(), error) {
	reg := prometheus.NewRegistry()
	metrics, err := echo.NewPrometheusMetrics(echo.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// reportError prints the provider error code, its fi_strerror text and the
// failing operation when err carries them.
func reportError(w io.Writer, err error) {
	errno, ok := fi.ErrnoOf(err)
	if !ok {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "error %d (%s): %s", int32(errno), errno.Name(), errno.String())
	if op := fi.OpOf(err); op != "" {
		fmt.Fprintf(w, " [op %s]", op)
	}
	fmt.Fprintf(w, ": %v\n", err)
}
