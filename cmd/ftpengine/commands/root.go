// Package commands implements the ftpengine command line tool.
package commands

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpengine"
	"github.com/gonzalop/ftpengine/internal/config"
	"github.com/gonzalop/ftpengine/internal/logger"
	"github.com/gonzalop/ftpengine/metrics"
)

var (
	cfgFile     string
	metricsAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "ftpengine",
	Short: "Browse and transfer files on FTP servers",
	Long: `ftpengine drives one FTP or FTPS session per invocation.

Servers are given as URLs:
  ftp://[user:password@]host[:port]/path
  ftps://host/path          (implicit TLS)
  ftp+explicit://host/path  (AUTH TLS)

All configuration options can be overridden with FTPENGINE_* environment
variables, e.g. FTPENGINE_LOGGING_LEVEL=DEBUG.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Canceling ctx aborts the running operation.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(quoteCmd)
}

// runtime is everything a subcommand needs, built from the configuration.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *ftpengine.Engine
	closers []func() error
}

func (r *runtime) Close() error {
	var errs []error
	if r.engine != nil {
		errs = append(errs, r.engine.Close())
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}

	log, logCloser, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, err
	}
	r := &runtime{cfg: cfg, logger: log}
	r.closers = append(r.closers, logCloser.Close)

	opts := []ftpengine.Option{
		ftpengine.WithLogger(log),
		ftpengine.WithTimeout(cfg.Timeout),
		ftpengine.WithBandwidthLimit(cfg.BandwidthLimit),
		ftpengine.WithTLSConfig(&tls.Config{
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			ServerName:         cfg.TLS.ServerName,
		}),
	}
	if cfg.DisableEPSV {
		opts = append(opts, ftpengine.WithDisableEPSV())
	}
	if cfg.ActiveMode {
		opts = append(opts, ftpengine.WithActiveMode())
	}
	if cfg.IdleTimeout > 0 {
		opts = append(opts, ftpengine.WithIdleTimeout(cfg.IdleTimeout))
	}

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		opts = append(opts, ftpengine.WithMetrics(metrics.New(reg)))

		stop, err := serveMetrics(ctx, cfg.Metrics.Addr, reg, log)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.closers = append(r.closers, stop)
	}

	r.engine, err = ftpengine.New(opts...)
	if err != nil {
		r.Close()
		return nil, err
	}
	log.Debug("engine started", "id", r.engine.ID())
	return r, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) (func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", ln.Addr().String())

	return func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}, nil
}

// withSession connects to the server in rawURL and runs fn with the URL path.
func withSession(cmd *cobra.Command, rawURL string, fn func(c *client, path string) error) (err error) {
	server, path, err := ftpengine.ParseServerURL(rawURL)
	if err != nil {
		return err
	}

	r, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, r.Close())
	}()

	c := &client{engine: r.engine, logger: r.logger, out: cmd.OutOrStdout()}
	if err := c.run(cmd.Context(), r.engine.Connect(server)); err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	defer c.engine.Disconnect()

	return fn(c, path)
}
