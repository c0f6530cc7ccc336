package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/sdn-experiment/internal/config"
	"github.com/signalsfoundry/sdn-experiment/internal/emulator"
	"github.com/signalsfoundry/sdn-experiment/internal/emulator/nsnet"
	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/internal/observability"
	"github.com/signalsfoundry/sdn-experiment/internal/pipeline"
)

// Options are the command-line overrides applied on top of the config file
// and EXPERIMENT_* environment variables.
type Options struct {
	ConfigPath   string
	OutputDir    string
	ControllerIP string
	MetricsAddr  string
	SkipTraffic  bool
}

func main() {
	var opts Options
	flag.StringVar(&opts.ConfigPath, "config", "", "Path to a YAML experiment file (defaults reproduce the reference experiment)")
	flag.StringVar(&opts.OutputDir, "output-dir", "", "Directory receiving the JSON records")
	flag.StringVar(&opts.ControllerIP, "controller-ip", "", "IP address of the SDN controller")
	flag.StringVar(&opts.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics while the run is in progress")
	flag.BoolVar(&opts.SkipTraffic, "skip-traffic", false, "Skip the ping and iperf probes")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(2)
	}

	builder := nsnet.New(log, cfg.Network.OpenFlow)
	if err := run(ctx, opts, cfg, builder, log); err != nil {
		log.Error(ctx, "run failed", logging.Err(err))
		stop()
		os.Exit(1)
	}
}

// loadConfig layers flags over the config file and environment.
func loadConfig(opts Options) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.OutputDir != "" {
		cfg.OutputDir = opts.OutputDir
	}
	if opts.ControllerIP != "" {
		cfg.Controller.IP = opts.ControllerIP
	}
	if opts.SkipTraffic {
		cfg.Traffic.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, opts Options, cfg config.Config, builder emulator.Builder, log logging.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewPipelineCollector(reg)
	if err != nil {
		return fmt.Errorf("pipeline metrics: %w", err)
	}
	tmetrics, err := observability.NewTelemetryCollector(reg)
	if err != nil {
		return fmt.Errorf("telemetry metrics: %w", err)
	}
	if srv := serveMetrics(opts.MetricsAddr, metrics, log); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info(ctx, "starting experiment",
		logging.String("topology", cfg.Topology.Name),
		logging.String("output_dir", cfg.OutputDir),
		logging.String("controller", cfg.Controller.RESTURL()),
		logging.Bool("traffic", cfg.Traffic.Enabled),
	)
	p := pipeline.New(cfg, pipeline.Deps{
		Builder:          builder,
		Metrics:          metrics,
		TelemetryMetrics: tmetrics,
		Log:              log,
	})
	report, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("experiment %s: %w", report.RunID, err)
	}
	for _, path := range report.Records {
		fmt.Println(path)
	}
	return nil
}

func serveMetrics(addr string, collector *observability.PipelineCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
