// Package config loads the experiment description: topology, controller
// invocation, probe parameters and telemetry polling limits.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/signalsfoundry/sdn-experiment/model"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned (wrapped) when a loaded configuration fails
// validation.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full experiment description.
type Config struct {
	// OutputDir receives the four record files. It is also the directory the
	// uploader scans.
	OutputDir string `yaml:"output_dir"`
	// StateDir holds the run lock and the controller log.
	StateDir string `yaml:"state_dir"`

	Topology   model.Topology   `yaml:"topology"`
	Controller ControllerConfig `yaml:"controller"`
	Network    NetworkConfig    `yaml:"network"`
	Traffic    TrafficConfig    `yaml:"traffic"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ControllerConfig describes how the SDN controller is launched and reached.
type ControllerConfig struct {
	Name           string        `yaml:"name"`
	IP             string        `yaml:"ip"`
	RESTPort       int           `yaml:"rest_port"`
	OpenFlowPort   int           `yaml:"openflow_port"`
	Command        []string      `yaml:"command"`
	LogFile        string        `yaml:"log_file"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	// External skips launching; the controller is assumed to be running.
	External bool `yaml:"external"`
}

// RESTURL is the base URL of the controller's ofctl_rest API.
func (c ControllerConfig) RESTURL() string {
	return "http://" + net.JoinHostPort(c.IP, strconv.Itoa(c.RESTPort))
}

// OpenFlowTarget is the address switches connect to, in ovs-vsctl syntax.
func (c ControllerConfig) OpenFlowTarget() string {
	return "tcp:" + net.JoinHostPort(c.IP, strconv.Itoa(c.OpenFlowPort))
}

// NetworkConfig bounds data plane setup.
type NetworkConfig struct {
	SettleTimeout time.Duration `yaml:"settle_timeout"`
	OpenFlow      string        `yaml:"openflow_version"`
}

// TrafficConfig selects the probe endpoints and their bounds.
type TrafficConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Source       string        `yaml:"source"`
	Target       string        `yaml:"target"`
	PingCount    int           `yaml:"ping_count"`
	IperfSeconds int           `yaml:"iperf_seconds"`
	ProbeSlack   time.Duration `yaml:"probe_slack"`
}

// TelemetryConfig bounds controller polling.
type TelemetryConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retries        int           `yaml:"retries"`
	Concurrency    int           `yaml:"concurrency"`
}

// Default returns the reference experiment: the two-switch topology, a local
// Ryu controller running simple_switch_13 with ofctl_rest, ping x4 and a 10s
// iperf between h1 and h2.
func Default() Config {
	return Config{
		OutputDir: "records",
		StateDir:  filepath.Join(os.TempDir(), "sdn-experiment"),
		Topology:  model.DefaultTopology(),
		Controller: ControllerConfig{
			Name:           "c1",
			IP:             "127.0.0.1",
			RESTPort:       8080,
			OpenFlowPort:   6653,
			Command:        []string{"ryu-manager", "--verbose", "ryu.app.simple_switch_13", "ryu.app.ofctl_rest"},
			LogFile:        "controller.log",
			StartupTimeout: 30 * time.Second,
			StopGrace:      5 * time.Second,
		},
		Network: NetworkConfig{
			SettleTimeout: 30 * time.Second,
			OpenFlow:      "OpenFlow13",
		},
		Traffic: TrafficConfig{
			Enabled:      true,
			Source:       "h1",
			Target:       "h2",
			PingCount:    4,
			IperfSeconds: 10,
			ProbeSlack:   15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			RequestTimeout: 5 * time.Second,
			Retries:        2,
			Concurrency:    1,
		},
	}
}

// Load reads a YAML experiment file on top of the defaults, then applies
// environment overrides. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := Decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("config %q: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode merges YAML from r into cfg. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides selected fields from EXPERIMENT_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("EXPERIMENT_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("EXPERIMENT_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("EXPERIMENT_CONTROLLER_IP"); v != "" {
		c.Controller.IP = v
	}
	if v := os.Getenv("EXPERIMENT_CONTROLLER_EXTERNAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Controller.External = b
		}
	}
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is empty", ErrInvalidConfig)
	}
	if c.StateDir == "" {
		return fmt.Errorf("%w: state_dir is empty", ErrInvalidConfig)
	}
	if err := c.Topology.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if net.ParseIP(c.Controller.IP) == nil {
		return fmt.Errorf("%w: controller ip %q", ErrInvalidConfig, c.Controller.IP)
	}
	if c.Controller.RESTPort <= 0 || c.Controller.OpenFlowPort <= 0 {
		return fmt.Errorf("%w: controller ports must be positive", ErrInvalidConfig)
	}
	if !c.Controller.External && len(c.Controller.Command) == 0 {
		return fmt.Errorf("%w: controller command is empty", ErrInvalidConfig)
	}
	if c.Controller.StartupTimeout <= 0 || c.Network.SettleTimeout <= 0 {
		return fmt.Errorf("%w: startup and settle timeouts must be positive", ErrInvalidConfig)
	}
	if c.Traffic.Enabled {
		for _, name := range []string{c.Traffic.Source, c.Traffic.Target} {
			if _, ok := c.Topology.Host(name); !ok {
				return fmt.Errorf("%w: traffic endpoint %q is not a host", ErrInvalidConfig, name)
			}
		}
		if c.Traffic.Source == c.Traffic.Target {
			return fmt.Errorf("%w: traffic source and target are both %q", ErrInvalidConfig, c.Traffic.Source)
		}
		if c.Traffic.PingCount <= 0 || c.Traffic.IperfSeconds <= 0 {
			return fmt.Errorf("%w: ping_count and iperf_seconds must be positive", ErrInvalidConfig)
		}
	}
	if c.Telemetry.RequestTimeout <= 0 {
		return fmt.Errorf("%w: telemetry request_timeout must be positive", ErrInvalidConfig)
	}
	if c.Telemetry.Retries < 0 || c.Telemetry.Concurrency < 1 {
		return fmt.Errorf("%w: telemetry retries must be >= 0 and concurrency >= 1", ErrInvalidConfig)
	}
	return nil
}
