// Package config loads loanflow's configuration: built-in defaults, then an
// optional YAML file, then LOANFLOW_* environment variables, then command
// line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/loanflow/internal/loan"
	"github.com/roach88/loanflow/internal/service"
)

// EnvPrefix prefixes every environment variable, e.g.
// LOANFLOW_WORKFLOW_FRAUD_CHECK_TIMEOUT=10m.
const EnvPrefix = "LOANFLOW"

// Config holds the configuration for loanflow.
type Config struct {
	DB   string `mapstructure:"db"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	Workflow struct {
		ManagerApprovalThreshold int64         `mapstructure:"manager_approval_threshold"`
		ManagerApprovalTimeout   time.Duration `mapstructure:"manager_approval_timeout"`
		FraudCheckTimeout        time.Duration `mapstructure:"fraud_check_timeout"`
		StepDelay                time.Duration `mapstructure:"step_delay"`
	} `mapstructure:"workflow"`
	Fraud struct {
		Delay time.Duration `mapstructure:"delay"`
	} `mapstructure:"fraud"`
	Host struct {
		MaxAttempts    int           `mapstructure:"max_attempts"`
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"host"`
	Sweep struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"sweep"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// flagKeys maps command line flag names to configuration keys. Flags a
// command does not define are skipped.
var flagKeys = map[string]string{
	"db":          "db",
	"addr":        "http.addr",
	"step-delay":  "workflow.step_delay",
	"fraud-delay": "fraud.delay",
	"log-format":  "log.format",
	"log-level":   "log.level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db", "loanflow.db")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("workflow.manager_approval_threshold", 100000)
	v.SetDefault("workflow.manager_approval_timeout", 30*time.Minute)
	v.SetDefault("workflow.fraud_check_timeout", 5*time.Minute)
	v.SetDefault("workflow.step_delay", time.Duration(0))
	v.SetDefault("fraud.delay", 5*time.Second)
	v.SetDefault("host.max_attempts", 3)
	v.SetDefault("host.initial_backoff", 500*time.Millisecond)
	v.SetDefault("host.max_backoff", 10*time.Second)
	v.SetDefault("sweep.interval", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load builds the configuration. path names an optional YAML file; flags
// may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"workflow.manager_approval_timeout": c.Workflow.ManagerApprovalTimeout,
		"workflow.fraud_check_timeout":      c.Workflow.FraudCheckTimeout,
		"host.initial_backoff":              c.Host.InitialBackoff,
		"host.max_backoff":                  c.Host.MaxBackoff,
		"sweep.interval":                    c.Sweep.Interval,
	}
	for _, key := range []string{
		"workflow.manager_approval_timeout",
		"workflow.fraud_check_timeout",
		"host.initial_backoff",
		"host.max_backoff",
		"sweep.interval",
	} {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, positive[key]))
		}
	}
	if c.Workflow.StepDelay < 0 {
		errs = append(errs, fmt.Errorf("workflow.step_delay must not be negative, got %s", c.Workflow.StepDelay))
	}
	if c.Fraud.Delay < 0 {
		errs = append(errs, fmt.Errorf("fraud.delay must not be negative, got %s", c.Fraud.Delay))
	}
	if c.Workflow.ManagerApprovalThreshold <= 0 {
		errs = append(errs, fmt.Errorf("workflow.manager_approval_threshold must be positive, got %d", c.Workflow.ManagerApprovalThreshold))
	}
	if c.Host.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("host.max_attempts must be positive, got %d", c.Host.MaxAttempts))
	}
	if c.DB == "" {
		errs = append(errs, errors.New("db must be set"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Service returns the service configuration.
func (c *Config) Service() service.Config {
	return service.Config{
		Workflow: loan.Config{
			ManagerApprovalThreshold: c.Workflow.ManagerApprovalThreshold,
			ManagerApprovalTimeout:   c.Workflow.ManagerApprovalTimeout,
			FraudCheckTimeout:        c.Workflow.FraudCheckTimeout,
			StepDelay:                c.Workflow.StepDelay,
		},
		FraudDelay:     c.Fraud.Delay,
		MaxAttempts:    c.Host.MaxAttempts,
		InitialBackoff: c.Host.InitialBackoff,
		MaxBackoff:     c.Host.MaxBackoff,
		SweepInterval:  c.Sweep.Interval,
	}
}
