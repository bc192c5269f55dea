// Package config loads hub settings from defaults, an optional YAML file,
// .env files and the process environment, in that order.
package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/confirm"
	"github.com/goliatone/go-hub/lifecycle"
	"github.com/goliatone/go-hub/repair"
	"github.com/goliatone/go-hub/throttle"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	FormatJSON    = "json"
	FormatConsole = "console"
)

// DefaultEnvFiles are loaded when present.
var DefaultEnvFiles = []string{".env", ".env.local"}

// Config is the full hub configuration.
type Config struct {
	Node         NodeConfig         `yaml:"node" envPrefix:"HUB_NODE_"`
	Store        StoreConfig        `yaml:"store" envPrefix:"HUB_STORE_"`
	Redis        RedisConfig        `yaml:"redis" envPrefix:"HUB_REDIS_"`
	Throttling   ThrottlingConfig   `yaml:"throttling" envPrefix:"HUB_THROTTLING_"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle" envPrefix:"HUB_LIFECYCLE_"`
	Confirmation ConfirmationConfig `yaml:"confirmation" envPrefix:"HUB_CONFIRMATION_"`
	Repair       RepairConfig       `yaml:"repair" envPrefix:"HUB_REPAIR_"`
	Notify       NotifyConfig       `yaml:"notify" envPrefix:"HUB_NOTIFY_"`
	HTTP         HTTPConfig         `yaml:"http" envPrefix:"HUB_HTTP_"`
	Log          LogConfig          `yaml:"log" envPrefix:"HUB_LOG_"`
}

type NodeConfig struct {
	ID    string `yaml:"id" env:"ID"`
	Code  string `yaml:"code" env:"CODE"`
	State string `yaml:"state" env:"STATE"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// RedisConfig enables the shared throttle counter when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type ThrottlingConfig struct {
	Disabled bool `yaml:"disabled" env:"DISABLED"`
	// DefaultInterval and DefaultLimit apply to every scope without an
	// override. A zero limit disables the default rule.
	DefaultInterval int          `yaml:"default_interval_sec" env:"DEFAULT_INTERVAL_SEC"`
	DefaultLimit    int          `yaml:"default_limit" env:"DEFAULT_LIMIT"`
	Scopes          []ScopeLimit `yaml:"scopes"`
}

// ScopeLimit overrides the limit for a (source, service) scope. Empty or
// "*" fields match anything.
type ScopeLimit struct {
	Source      string `yaml:"source"`
	Service     string `yaml:"service"`
	IntervalSec int    `yaml:"interval_sec"`
	Limit       int    `yaml:"limit"`
}

type LifecycleConfig struct {
	RetryBeforeFailed    int           `yaml:"retry_before_failed" env:"RETRY_BEFORE_FAILED"`
	DeadLetterTimeout    time.Duration `yaml:"dead_letter_timeout" env:"DEAD_LETTER_TIMEOUT"`
	PostponedInterval    time.Duration `yaml:"postponed_interval" env:"POSTPONED_INTERVAL"`
	PartlyFailedInterval time.Duration `yaml:"partly_failed_interval" env:"PARTLY_FAILED_INTERVAL"`
	Workers              int           `yaml:"workers" env:"WORKERS"`
	SplitWorkers         int           `yaml:"split_workers" env:"SPLIT_WORKERS"`
	QueueCapacity        int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	SkipCallPattern      string        `yaml:"skip_call_pattern" env:"SKIP_CALL_PATTERN"`
}

type ConfirmationConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

type RepairConfig struct {
	Expression string        `yaml:"expression" env:"EXPRESSION"`
	BatchSize  int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type NotifyConfig struct {
	Enabled bool     `yaml:"enabled" env:"ENABLED"`
	Region  string   `yaml:"region" env:"REGION"`
	From    string   `yaml:"from" env:"FROM"`
	Admins  []string `yaml:"admins" env:"ADMINS" envSeparator:","`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns a configuration usable for a single in-memory node.
func Default() *Config {
	return &Config{
		Node:  NodeConfig{State: string(hub.NodeRun)},
		Store: StoreConfig{Driver: DriverMemory},
		Redis: RedisConfig{Prefix: "hub:throttle:"},
		Throttling: ThrottlingConfig{
			DefaultInterval: 60,
		},
		Lifecycle: LifecycleConfig{
			RetryBeforeFailed:    lifecycle.DefaultRetryBeforeFailed,
			DeadLetterTimeout:    repair.DefaultDeadLetterTimeout,
			PostponedInterval:    repair.DefaultPostponedInterval,
			PartlyFailedInterval: repair.DefaultPartlyFailedInterval,
			Workers:              4,
			SplitWorkers:         lifecycle.DefaultSplitWorkers,
			QueueCapacity:        1000,
		},
		Confirmation: ConfirmationConfig{
			RetryInterval: confirm.DefaultRetryInterval,
			MaxAttempts:   confirm.DefaultMaxAttempts,
		},
		Repair: RepairConfig{
			Expression: repair.DefaultExpression,
			BatchSize:  repair.DefaultBatchSize,
			Timeout:    time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: FormatJSON},
	}
}

// Load builds the configuration. path may be empty. envFiles default to
// DefaultEnvFiles; missing files are skipped.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.ReadYAML(f); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if envFiles == nil {
		envFiles = DefaultEnvFiles
	}
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, hub.NewError(hub.ErrValidation, "invalid environment configuration", err, nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadYAML overlays YAML from r onto cfg.
func (c *Config) ReadYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func loadEnvFiles(files []string) error {
	var existing []string
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch hub.NodeState(strings.ToUpper(c.Node.State)) {
	case hub.NodeRun, hub.NodeHandlesExistingMessages, hub.NodeStopped:
	default:
		add("node.state %q is not a node state", c.Node.State)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			add("store.dsn is required for the postgres driver")
		}
	default:
		add("store.driver must be %q or %q, got %q", DriverMemory, DriverPostgres, c.Store.Driver)
	}

	if c.Throttling.DefaultLimit < 0 {
		add("throttling.default_limit must not be negative")
	}
	if c.Throttling.DefaultLimit > 0 && c.Throttling.DefaultInterval <= 0 {
		add("throttling.default_interval_sec must be positive")
	}
	for i, s := range c.Throttling.Scopes {
		if err := throttle.NewProps(s.IntervalSec, s.Limit).Validate(); err != nil {
			add("throttling.scopes[%d]: %v", i, err)
		}
	}

	lc := c.Lifecycle
	if lc.RetryBeforeFailed <= 0 {
		add("lifecycle.retry_before_failed must be positive")
	}
	if lc.DeadLetterTimeout <= 0 || lc.PostponedInterval <= 0 || lc.PartlyFailedInterval <= 0 {
		add("lifecycle intervals must be positive")
	}
	if lc.Workers <= 0 {
		add("lifecycle.workers must be positive")
	}
	if lc.SplitWorkers < 1 || lc.SplitWorkers > lifecycle.MaxSplitWorkers {
		add("lifecycle.split_workers must be between 1 and %d", lifecycle.MaxSplitWorkers)
	}
	if lc.QueueCapacity < 0 {
		add("lifecycle.queue_capacity must not be negative")
	}
	if lc.SkipCallPattern != "" {
		if _, err := regexp.Compile(lc.SkipCallPattern); err != nil {
			add("lifecycle.skip_call_pattern: %v", err)
		}
	}

	if c.Confirmation.RetryInterval <= 0 {
		add("confirmation.retry_interval must be positive")
	}
	if c.Confirmation.MaxAttempts <= 0 {
		add("confirmation.max_attempts must be positive")
	}

	if strings.TrimSpace(c.Repair.Expression) == "" {
		add("repair.expression is required")
	}
	if c.Repair.BatchSize <= 0 {
		add("repair.batch_size must be positive")
	}

	if c.Notify.Enabled {
		if c.Notify.Region == "" || c.Notify.From == "" || len(c.Notify.Admins) == 0 {
			add("notify requires region, from and at least one admin when enabled")
		}
	}

	if c.HTTP.Addr == "" {
		add("http.addr is required")
	}
	switch c.Log.Format {
	case FormatJSON, FormatConsole:
	default:
		add("log.format must be %q or %q", FormatJSON, FormatConsole)
	}

	if len(problems) > 0 {
		return hub.NewError(hub.ErrValidation, "invalid configuration: "+strings.Join(problems, "; "), nil, map[string]any{
			"problems": problems,
		})
	}
	return nil
}

// ThrottleConfig builds the throttle rules. Scope overrides are registered
// before the default rule.
func (c *Config) ThrottleConfig() (*throttle.Config, error) {
	rules := make([]throttle.Rule, 0, len(c.Throttling.Scopes)+1)
	for _, s := range c.Throttling.Scopes {
		rules = append(rules, throttle.Rule{
			Scope: throttle.NewScope(s.Source, s.Service),
			Props: throttle.NewProps(s.IntervalSec, s.Limit),
		})
	}
	if c.Throttling.DefaultLimit > 0 {
		rules = append(rules, throttle.Rule{
			Scope: throttle.NewScope(throttle.Wildcard, throttle.Wildcard),
			Props: throttle.NewProps(c.Throttling.DefaultInterval, c.Throttling.DefaultLimit),
		})
	}
	return throttle.NewConfig(rules...)
}

// NodeState returns the configured initial node state.
func (c *Config) NodeState() hub.NodeState {
	return hub.NodeState(strings.ToUpper(c.Node.State))
}

// LifecycleConfig returns the engine settings.
func (c *Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		RetryBeforeFailed: c.Lifecycle.RetryBeforeFailed,
		SplitWorkers:      c.Lifecycle.SplitWorkers,
		SplitCapacity:     c.Lifecycle.QueueCapacity,
	}
}

// ConfirmConfig returns the confirmation dispatcher settings.
func (c *Config) ConfirmConfig() confirm.Config {
	return confirm.Config{
		MaxAttempts:   c.Confirmation.MaxAttempts,
		RetryInterval: c.Confirmation.RetryInterval,
		BatchSize:     c.Repair.BatchSize,
	}
}

// RepairConfig returns the repair scanner settings.
func (c *Config) RepairConfig() repair.Config {
	return repair.Config{
		DeadLetterTimeout:    c.Lifecycle.DeadLetterTimeout,
		PostponedInterval:    c.Lifecycle.PostponedInterval,
		PartlyFailedInterval: c.Lifecycle.PartlyFailedInterval,
		BatchSize:            c.Repair.BatchSize,
	}
}

// RepairSchedule returns the scheduling settings of the repair job.
func (c *Config) RepairSchedule() hub.HandlerConfig {
	return hub.HandlerConfig{
		Expression: c.Repair.Expression,
		Timeout:    c.Repair.Timeout,
	}
}

// Logger builds the configured logger writing to w.
func (c *Config) Logger(w io.Writer) hub.Logger {
	if c.Log.Format == FormatConsole {
		return hub.NewFmtLogger(w)
	}
	return hub.NewJSONLogger(w, c.Log.Level)
}
