package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Engine struct {
		NumQueues         int           `yaml:"numQueues"`
		RingSize          int           `yaml:"ringSize"`
		RingSpaceTimeout  time.Duration `yaml:"ringSpaceTimeout"`
		RingPollInterval  time.Duration `yaml:"ringPollInterval"`
		DefaultJobTimeout time.Duration `yaml:"defaultJobTimeout"`
		RetainCompleted   int           `yaml:"retainCompleted"`
		SchedulerTick     time.Duration `yaml:"schedulerTick"`
		WatchdogInterval  time.Duration `yaml:"watchdogInterval"`
	} `yaml:"engine"`
	Reset struct {
		IdleTimeout  time.Duration `yaml:"idleTimeout"`
		HoldDuration time.Duration `yaml:"holdDuration"`
		ReadyTimeout time.Duration `yaml:"readyTimeout"`
		PollInterval time.Duration `yaml:"pollInterval"`
	} `yaml:"reset"`
	Health struct {
		Enabled                *bool         `yaml:"enabled"`
		Interval               time.Duration `yaml:"interval"`
		StagnationTimeout      time.Duration `yaml:"stagnationTimeout"`
		ErrorThreshold         int           `yaml:"errorThreshold"`
		HeartbeatMissThreshold int           `yaml:"heartbeatMissThreshold"`
	} `yaml:"health"`
	IRQ struct {
		Workers int `yaml:"workers"`
	} `yaml:"irq"`
	Backend struct {
		Kind        string `yaml:"kind"`
		MemoryLimit int    `yaml:"memoryLimit"`
	} `yaml:"backend"`
	Server struct {
		ListenAddress string        `yaml:"listenAddress"`
		ListenPort    int           `yaml:"listenPort"`
		WaitTimeout   time.Duration `yaml:"waitTimeout"`
	} `yaml:"server"`
	Metrics struct {
		Enabled *bool  `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var config Config
	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var config Config
	config.ApplyDefaults()
	return &config
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.Logger.Verbosity, "info")

	setInt(&c.Engine.NumQueues, 3)
	setInt(&c.Engine.RingSize, 65536)
	setDuration(&c.Engine.RingSpaceTimeout, time.Second)
	setDuration(&c.Engine.RingPollInterval, time.Millisecond)
	setDuration(&c.Engine.DefaultJobTimeout, 10*time.Second)
	setInt(&c.Engine.RetainCompleted, 1024)
	setDuration(&c.Engine.SchedulerTick, 100*time.Millisecond)
	setDuration(&c.Engine.WatchdogInterval, time.Second)

	setDuration(&c.Reset.IdleTimeout, time.Second)
	setDuration(&c.Reset.HoldDuration, 100*time.Millisecond)
	setDuration(&c.Reset.ReadyTimeout, time.Second)
	setDuration(&c.Reset.PollInterval, time.Millisecond)

	setBool(&c.Health.Enabled, true)
	setDuration(&c.Health.Interval, time.Second)
	setDuration(&c.Health.StagnationTimeout, 5*time.Second)
	setInt(&c.Health.ErrorThreshold, 10)
	setInt(&c.Health.HeartbeatMissThreshold, 1)

	setInt(&c.IRQ.Workers, 1)

	setString(&c.Backend.Kind, "auto")

	setString(&c.Server.ListenAddress, "127.0.0.1")
	setInt(&c.Server.ListenPort, 8090)
	setDuration(&c.Server.WaitTimeout, 30*time.Second)

	setBool(&c.Metrics.Enabled, true)
	setString(&c.Metrics.Path, "/metrics")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.NumQueues < 1 || c.Engine.NumQueues > 16 {
		errs = append(errs, fmt.Errorf("engine.numQueues must be in [1, 16], got %d", c.Engine.NumQueues))
	}
	if c.Engine.RingSize < 4096 || c.Engine.RingSize > 262144 {
		errs = append(errs, fmt.Errorf("engine.ringSize must be in [4096, 262144], got %d", c.Engine.RingSize))
	}
	if c.Health.ErrorThreshold < 1 {
		errs = append(errs, fmt.Errorf("health.errorThreshold must be positive, got %d", c.Health.ErrorThreshold))
	}
	if c.Server.ListenPort < 0 || c.Server.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("server.listenPort out of range: %d", c.Server.ListenPort))
	}
	if c.Backend.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("backend.memoryLimit must not be negative, got %d", c.Backend.MemoryLimit))
	}
	return errors.Join(errs...)
}

// HealthEnabled reports whether the health monitor runs.
func (c *Config) HealthEnabled() bool {
	return c.Health.Enabled == nil || *c.Health.Enabled
}

// MetricsEnabled reports whether /metrics is served.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

func setString(v *string, d string) {
	if *v == "" {
		*v = d
	}
}

func setInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}

func setDuration(v *time.Duration, d time.Duration) {
	if *v == 0 {
		*v = d
	}
}

func setBool(v **bool, d bool) {
	if *v == nil {
		*v = &d
	}
}
