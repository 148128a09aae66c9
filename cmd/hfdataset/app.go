package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vdeturckheim/hf-dataset/pkg/config"
	"github.com/vdeturckheim/hf-dataset/pkg/dataset"
	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
	"github.com/vdeturckheim/hf-dataset/pkg/logger"
	"github.com/vdeturckheim/hf-dataset/pkg/observability"
)

// app holds state shared by the subcommands of one invocation.
type app struct {
	v   *viper.Viper
	fs  afero.Fs
	out io.Writer
	cfg *config.Config
	log *zap.Logger

	metricsAddr string
	shutdown    []func(context.Context) error
}

// execute runs the CLI against the OS filesystem.
func execute(ctx context.Context, args []string, out io.Writer) error {
	return newApp(out, afero.NewOsFs()).execute(ctx, args)
}

func newApp(out io.Writer, fs afero.Fs) *app {
	return &app{v: viper.New(), fs: fs, out: out}
}

// execute runs the CLI with args and releases everything setup acquired,
// whether or not the command succeeded.
func (a *app) execute(ctx context.Context, args []string) error {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.out)

	err := root.ExecuteContext(ctx)
	if terr := a.teardown(); err == nil {
		err = terr
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hfdataset",
		Short: "Stream records from multi-format datasets",
		Long: `hfdataset materializes a dataset snapshot and exposes its Parquet, Arrow, Avro,
CSV, TSV and JSON Lines files as one ordered stream of records.

Every flag can also be set through an HFDATASET_* environment variable,
for example HFDATASET_CACHE_DIR or HFDATASET_LOG_LEVEL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Path to a YAML configuration file")
	pf.String("revision", "", "Dataset revision: branch, tag or commit (default main)")
	pf.String("token", "", "Access token (defaults to HF_TOKEN)")
	pf.String("backend", "", "Snapshot backend: hub, local, s3 or gcs")
	pf.String("endpoint", "", "Hugging Face Hub endpoint URL")
	pf.String("cache-dir", "", "Directory snapshots are downloaded to")
	pf.String("local-root", "", "Directory holding datasets for the local backend")
	pf.String("bucket", "", "Bucket for the s3 and gcs backends")
	pf.String("prefix", "", "Object key prefix for the s3 and gcs backends")
	pf.String("region", "", "AWS region for the s3 backend")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log encoding, json or console (default console on a terminal)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	pf.Bool("trace", false, "Print OpenTelemetry spans to stderr")

	_ = a.v.BindPFlags(pf)
	a.v.SetEnvPrefix("HFDATASET")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(a.versionCmd(), a.filesCmd(), a.catCmd(), a.countCmd())
	return root
}

// setup resolves the configuration and starts logging, metrics and
// tracing.
func (a *app) setup() error {
	cfg := config.NewConfig()
	if path := a.v.GetString("config"); path != "" {
		loaded, err := config.LoadFile(a.fs, path)
		if err != nil {
			return hferrors.Wrap(err, hferrors.ErrorTypeConfig, "failed to load configuration")
		}
		cfg = loaded
	}

	overrides := map[string]*string{
		"revision":     &cfg.Dataset.Revision,
		"token":        &cfg.Dataset.Credential,
		"backend":      &cfg.Hub.Backend,
		"endpoint":     &cfg.Hub.Endpoint,
		"cache-dir":    &cfg.Hub.CacheDir,
		"local-root":   &cfg.Hub.LocalRoot,
		"bucket":       &cfg.Hub.Bucket,
		"prefix":       &cfg.Hub.Prefix,
		"region":       &cfg.Hub.Region,
		"log-level":    &cfg.Observability.LogLevel,
		"log-format":   &cfg.Observability.LogEncoding,
		"metrics-addr": &cfg.Observability.MetricsAddr,
	}
	for key, dst := range overrides {
		if v := a.v.GetString(key); v != "" {
			*dst = v
		}
	}
	if a.v.GetBool("trace") {
		cfg.Observability.EnableTracing = true
	}
	if a.v.GetString("log-format") == "" && isatty.IsTerminal(os.Stderr.Fd()) && runtime.GOOS != "windows" {
		cfg.Observability.LogEncoding = "console"
	}
	if err := cfg.Validate(); err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeConfig, "invalid configuration")
	}
	a.cfg = cfg

	log, err := logger.New(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	})
	if err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeConfig, "failed to initialize logger")
	}
	logger.Set(log)
	a.log = log.With(zap.String("component", "hfdataset-cli"))

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		if err := a.serveMetrics(addr); err != nil {
			return err
		}
	}

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.InitTracing(observability.TracingConfig{
			ServiceName:    "hfdataset",
			ServiceVersion: version,
			SamplingRate:   cfg.Observability.TracingSampleRate,
			Writer:         os.Stderr,
		})
		if err != nil {
			return err
		}
		a.shutdown = append(a.shutdown, shutdown)
	}
	return nil
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeConfig, "failed to listen for metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.metricsAddr = ln.Addr().String()
	a.log.Info("serving metrics", zap.String("addr", a.metricsAddr))
	a.shutdown = append(a.shutdown, srv.Shutdown)
	return nil
}

func (a *app) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.shutdown = nil
	if a.log != nil {
		// stderr sync fails with EINVAL on some terminals
		_ = logger.Sync()
	}
	return errors.Join(errs...)
}

// Process exit statuses. exitTempFail follows sysexits EX_TEMPFAIL.
const (
	exitFailure  = 1
	exitTempFail = 75
)

// exitCode maps a command error to a process status. Failures worth
// retrying, such as rate limits and transport errors, get exitTempFail.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case hferrors.IsRetryable(err):
		return exitTempFail
	default:
		return exitFailure
	}
}

// open returns a prepared session for name.
func (a *app) open(ctx context.Context, name string) (*dataset.Session, error) {
	return dataset.Create(ctx, name,
		dataset.WithConfig(a.cfg),
		dataset.WithFs(a.fs),
		dataset.WithLogger(a.log))
}
