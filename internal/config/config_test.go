package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loanflow/internal/service"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "loanflow.db", cfg.DB)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, int64(100000), cfg.Workflow.ManagerApprovalThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Workflow.ManagerApprovalTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Workflow.FraudCheckTimeout)
	assert.Zero(t, cfg.Workflow.StepDelay)
	assert.Equal(t, 5*time.Second, cfg.Fraud.Delay)
	assert.Equal(t, 3, cfg.Host.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	assert.Equal(t, service.DefaultConfig(), cfg.Service())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loanflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: /var/lib/loanflow.db
workflow:
  manager_approval_threshold: 250000
  fraud_check_timeout: 90s
log:
  format: json
`), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/loanflow.db", cfg.DB)
	assert.Equal(t, int64(250000), cfg.Workflow.ManagerApprovalThreshold)
	assert.Equal(t, 90*time.Second, cfg.Workflow.FraudCheckTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Workflow.ManagerApprovalTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loanflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fraud:\n  delay: 1s\n"), 0o644))
	t.Setenv("LOANFLOW_FRAUD_DELAY", "250ms")
	t.Setenv("LOANFLOW_HOST_MAX_ATTEMPTS", "7")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Fraud.Delay)
	assert.Equal(t, 7, cfg.Host.MaxAttempts)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("LOANFLOW_DB", "from-env.db")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "")
	flags.Duration("step-delay", 0, "")
	require.NoError(t, flags.Parse([]string{"--db", "from-flag.db", "--step-delay", "2s"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, "from-flag.db", cfg.DB)
	assert.Equal(t, 2*time.Second, cfg.Workflow.StepDelay)
}

func TestLoad_UnsetFlagKeepsEnv(t *testing.T) {
	t.Setenv("LOANFLOW_DB", "from-env.db")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "")
	require.NoError(t, flags.Parse(nil))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.DB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"zero fraud timeout", func(c *Config) { c.Workflow.FraudCheckTimeout = 0 }, "workflow.fraud_check_timeout"},
		{"negative step delay", func(c *Config) { c.Workflow.StepDelay = -time.Second }, "workflow.step_delay"},
		{"zero attempts", func(c *Config) { c.Host.MaxAttempts = 0 }, "host.max_attempts"},
		{"zero threshold", func(c *Config) { c.Workflow.ManagerApprovalThreshold = 0 }, "manager_approval_threshold"},
		{"empty db", func(c *Config) { c.DB = "" }, "db must be set"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("", nil)
			require.NoError(t, err)
			tt.modify(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
