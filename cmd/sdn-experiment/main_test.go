package main

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/signalsfoundry/sdn-experiment/internal/config"
	"github.com/signalsfoundry/sdn-experiment/internal/emulator/emulatortest"
	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/internal/ofctl/ofctltest"
	"github.com/signalsfoundry/sdn-experiment/internal/persist"
	"github.com/signalsfoundry/sdn-experiment/internal/pipeline"
)

func externalControllerConfig(t *testing.T, rawURL string) config.Config {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split %q: %v", u.Host, err)
	}
	restPort, _ := strconv.Atoi(port)

	cfg := config.Default()
	cfg.OutputDir = filepath.Join(t.TempDir(), "records")
	cfg.StateDir = t.TempDir()
	cfg.Controller.IP = host
	cfg.Controller.RESTPort = restPort
	cfg.Controller.External = true
	cfg.Controller.StartupTimeout = 2 * time.Second
	cfg.Network.SettleTimeout = 2 * time.Second
	return cfg
}

func TestRunSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := ofctltest.New("1", "2").Serve(t)
	cfg := externalControllerConfig(t, srv.URL)
	builder := &emulatortest.Builder{Commands: func(host string, argv []string) (string, int, error) {
		return argv[0] + " ok", 0, nil
	}}
	log := logging.New(logging.Config{Level: "warn", Format: "text"})

	if err := run(ctx, Options{}, cfg, builder, log); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, name := range []string{persist.TopologyInventory, persist.TrafficResults, persist.FlowStats, persist.PortStats} {
		if _, err := os.Stat(filepath.Join(cfg.OutputDir, name)); err != nil {
			t.Errorf("record %s: %v", name, err)
		}
	}
	if len(builder.Built) != 1 || !builder.Built[0].Stopped() {
		t.Fatalf("network not torn down")
	}
}

func TestRunReportsStage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := ofctltest.New("1", "2").Serve(t)
	cfg := externalControllerConfig(t, srv.URL)
	builder := &emulatortest.Builder{BuildErr: errors.New("ovs-vsctl: unix:/var/run/openvswitch/db.sock: database connection failed")}

	err := run(ctx, Options{}, cfg, builder, logging.Noop())
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != pipeline.StageEnvironment {
		t.Fatalf("stage = %q, want %q", se.Stage, pipeline.StageEnvironment)
	}
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	t.Setenv("EXPERIMENT_OUTPUT_DIR", "from-env")
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	yaml := "output_dir: from-file\ntraffic:\n  ping_count: 2\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(Options{ConfigPath: path})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.OutputDir != "from-env" {
		t.Fatalf("env should override file, got %q", cfg.OutputDir)
	}
	if cfg.Traffic.PingCount != 2 {
		t.Fatalf("ping_count = %d", cfg.Traffic.PingCount)
	}

	cfg, err = loadConfig(Options{ConfigPath: path, OutputDir: "from-flag", ControllerIP: "10.0.0.5", SkipTraffic: true})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.OutputDir != "from-flag" || cfg.Controller.IP != "10.0.0.5" || cfg.Traffic.Enabled {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestLoadConfigRejectsBadControllerIP(t *testing.T) {
	if _, err := loadConfig(Options{ControllerIP: "not-an-ip"}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestServeMetricsDisabledWithoutAddr(t *testing.T) {
	if srv := serveMetrics("", nil, logging.Noop()); srv != nil {
		t.Fatal("expected no metrics server")
	}
}
