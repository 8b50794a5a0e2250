// Package config loads and validates the agent's single configuration
// document: a config-struct-with-defaults shape backed by a file-based
// load via viper (spec.md §6).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/eliteguard/appmon/internal/domain"
)

// Config is the single recognized configuration document (spec.md §6).
type Config struct {
	LoggingDirectory string `mapstructure:"logging_directory" validate:"required"`
	PluginDirectory  string `mapstructure:"plugin_directory"`

	Behavior struct {
		SuspiciousThreshold int `mapstructure:"suspicious_threshold" validate:"required,gt=0"`
		MaliciousThreshold  int `mapstructure:"malicious_threshold" validate:"required,gt=0"`
		CriticalThreshold   int `mapstructure:"critical_threshold" validate:"required,gt=0"`
	} `mapstructure:"behavior"`

	Defense struct {
		ProcessSuspendDuration  time.Duration `mapstructure:"process_suspend_duration" validate:"gte=0"`
		NetworkBlockDuration    time.Duration `mapstructure:"network_block_duration" validate:"gte=0"`
		ActionCooldown          time.Duration `mapstructure:"action_cooldown" validate:"gte=0"`
		MaxConcurrentTerminates int           `mapstructure:"max_concurrent_terminates" validate:"gte=0"`
		TerminateFailureBackoff time.Duration `mapstructure:"terminate_failure_backoff" validate:"gte=0"`
	} `mapstructure:"defense"`

	ProcessMonitoring struct {
		ScanInterval        time.Duration `mapstructure:"scan_interval" validate:"required,gt=0"`
		AllowListedProcess  []string      `mapstructure:"allow_listed_processes"`
	} `mapstructure:"process_monitoring"`

	MemoryScanning struct {
		ScanInterval        time.Duration `mapstructure:"scan_interval" validate:"required,gt=0"`
		MaxConcurrentScans  int           `mapstructure:"max_concurrent_scans" validate:"gte=0"`
		TargetProcesses     []string      `mapstructure:"target_processes"`
	} `mapstructure:"memory_scanning"`

	Network struct {
		ScanInterval              time.Duration `mapstructure:"scan_interval" validate:"required,gt=0"`
		PrimaryInterfacePreference string       `mapstructure:"primary_interface_preference"`
		HighRiskHosts             []string      `mapstructure:"high_risk_hosts"`
		SuspiciousPorts           []int         `mapstructure:"suspicious_ports"`
	} `mapstructure:"network"`

	Integrity struct {
		ProtectedFiles      []string      `mapstructure:"protected_files"`
		VerificationInterval time.Duration `mapstructure:"verification_interval"`
	} `mapstructure:"integrity"`
}

// Thresholds projects the behavior section into a domain.Thresholds value.
func (c Config) Thresholds() domain.Thresholds {
	return domain.Thresholds{
		Suspicious: c.Behavior.SuspiciousThreshold,
		Malicious:  c.Behavior.MaliciousThreshold,
		Critical:   c.Behavior.CriticalThreshold,
	}
}

// Default returns a configuration with sane defaults matching the shape
// spec.md §6 describes, before any file/env overrides are layered on.
func Default() Config {
	var c Config
	c.LoggingDirectory = "logs"
	c.PluginDirectory = "plugins"
	c.Behavior.SuspiciousThreshold = 10
	c.Behavior.MaliciousThreshold = 15
	c.Behavior.CriticalThreshold = 20
	c.Defense.ProcessSuspendDuration = 30 * time.Second
	c.Defense.NetworkBlockDuration = 10 * time.Minute
	c.Defense.ActionCooldown = 1 * time.Minute
	c.Defense.MaxConcurrentTerminates = 2
	c.Defense.TerminateFailureBackoff = 30 * time.Second
	c.ProcessMonitoring.ScanInterval = 5 * time.Second
	c.ProcessMonitoring.AllowListedProcess = []string{"system", "svchost", "explorer"}
	c.MemoryScanning.ScanInterval = 15 * time.Second
	c.MemoryScanning.MaxConcurrentScans = 4
	c.Network.ScanInterval = 5 * time.Second
	c.Network.PrimaryInterfacePreference = "wl"
	c.Network.SuspiciousPorts = []int{4444, 1337, 6667}
	c.Integrity.VerificationInterval = 5 * time.Minute
	return c
}

// Load reads the configuration document at path (any format viper
// supports: yaml, json, toml), overlays it on Default, and validates the
// result. A configuration defect (bad threshold ordering, negative
// duration, missing required field) is returned as a single wrapped error,
// matching spec.md §7's "refuses to start with a single diagnostic line".
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("appmon")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("appmon: failed to read configuration %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("appmon: failed to parse configuration %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies struct-tag validation and the cross-field invariants
// spec.md requires (strictly-increasing thresholds).
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("appmon: invalid configuration: %w", err)
	}
	if err := cfg.Thresholds().Validate(); err != nil {
		return fmt.Errorf("appmon: invalid configuration: %w", err)
	}
	if cfg.Defense.MaxConcurrentTerminates < 0 {
		return fmt.Errorf("appmon: invalid configuration: max_concurrent_terminates must be >= 0")
	}
	return nil
}

// Summary renders a secrets-free multi-line description of the resolved
// configuration, used by the `appmon config` CLI subcommand (SPEC_FULL.md §11).
func Summary(cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "logging_directory: %s\n", cfg.LoggingDirectory)
	fmt.Fprintf(&b, "plugin_directory: %s\n", cfg.PluginDirectory)
	fmt.Fprintf(&b, "behavior thresholds: suspicious=%d malicious=%d critical=%d\n",
		cfg.Behavior.SuspiciousThreshold, cfg.Behavior.MaliciousThreshold, cfg.Behavior.CriticalThreshold)
	fmt.Fprintf(&b, "defense: suspend=%s block=%s cooldown=%s max_terminates=%d backoff=%s\n",
		cfg.Defense.ProcessSuspendDuration, cfg.Defense.NetworkBlockDuration, cfg.Defense.ActionCooldown,
		cfg.Defense.MaxConcurrentTerminates, cfg.Defense.TerminateFailureBackoff)
	fmt.Fprintf(&b, "process_monitoring: scan_interval=%s allow_listed=%d\n",
		cfg.ProcessMonitoring.ScanInterval, len(cfg.ProcessMonitoring.AllowListedProcess))
	fmt.Fprintf(&b, "memory_scanning: scan_interval=%s max_concurrent_scans=%d targets=%d\n",
		cfg.MemoryScanning.ScanInterval, cfg.MemoryScanning.MaxConcurrentScans, len(cfg.MemoryScanning.TargetProcesses))
	fmt.Fprintf(&b, "network: scan_interval=%s preference=%s high_risk_hosts=%d suspicious_ports=%d\n",
		cfg.Network.ScanInterval, cfg.Network.PrimaryInterfacePreference, len(cfg.Network.HighRiskHosts), len(cfg.Network.SuspiciousPorts))
	return b.String()
}
