package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/lakelift/internal/auth"
	"github.com/openmined/lakelift/internal/onelake"
	"github.com/openmined/lakelift/internal/retry"
	"github.com/openmined/lakelift/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	return &Config{
		Candidates: filepath.Join(dir, "cache.json"),
		Ledger:     filepath.Join(dir, "progress.json"),
		Auth:       AuthConfig{Token: "token"},
		Store: onelake.Config{
			Workspace:  "ws",
			Container:  "lakehouse",
			OnExisting: onelake.ExistingSkip,
		},
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, scheduler.DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, scheduler.DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, retry.DefaultPolicy(), cfg.Retry)
	assert.Equal(t, SourceLocal, cfg.Source.Kind)
	assert.Equal(t, onelake.DefaultEndpoint, cfg.Store.Endpoint)
	assert.Equal(t, filepath.Join(filepath.Dir(cfg.Ledger), "progress.attempts.db"), cfg.Journal)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"no candidates", func(c *Config) { c.Candidates = "" }, "candidates file is required"},
		{"no existing policy", func(c *Config) { c.Store.OnExisting = "" }, "on_existing must be set"},
		{"bad existing policy", func(c *Config) { c.Store.OnExisting = "replace" }, "invalid on_existing"},
		{"no workspace", func(c *Config) { c.Store.Workspace = "" }, "workspace is required"},
		{"no auth", func(c *Config) { c.Auth = AuthConfig{} }, "set either token or env_file"},
		{"missing env file", func(c *Config) { c.Auth = AuthConfig{EnvFile: "/nonexistent/.env"} }, "does not exist"},
		{"batch bounds", func(c *Config) { c.MinBatchSize, c.MaxBatchSize = 50, 10 }, "min_batch_size 50"},
		{"negative start", func(c *Config) { c.StartBatch = -1 }, "cannot be negative"},
		{"unknown source", func(c *Config) { c.Source.Kind = "s3" }, "unknown source kind"},
		{"sftp without host", func(c *Config) { c.Source.Kind = SourceSFTP }, "sftp host is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateTestRun(t *testing.T) {
	cfg := validConfig(t)
	cfg.TestRun = true
	cfg.StartBatch = 4
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.StartBatch)
	assert.Equal(t, TestRunBatches, cfg.MaxBatches)
}

func TestValidateKeepsRetryPolicy(t *testing.T) {
	cfg := validConfig(t)
	cfg.Retry = retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: retry.DefaultMaxDelay}, cfg.Retry)
}

func TestValidateFillsPartialRetryPolicy(t *testing.T) {
	cfg := validConfig(t)
	cfg.Retry = retry.Policy{BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, retry.Policy{
		MaxAttempts: retry.DefaultMaxAttempts,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Second,
	}, cfg.Retry)
}

func TestValidateEnvFileWithCommand(t *testing.T) {
	cfg := validConfig(t)
	cfg.Auth = AuthConfig{EnvFile: filepath.Join(t.TempDir(), ".env"), Command: []string{"get-token.sh"}}
	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.Auth.EnvFile))

	r, ok := cfg.Auth.Refresher().(*auth.CommandRefresher)
	require.True(t, ok)
	assert.Equal(t, []string{"get-token.sh"}, r.Command)
}

func TestStaticRefresher(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	r, ok := cfg.Auth.Refresher().(auth.StaticRefresher)
	require.True(t, ok)
	assert.Equal(t, "token", r.Credential.Token)
	assert.True(t, r.Credential.ExpiresAt.After(time.Now().Add(time.Hour)))
}

func TestResolveLedgerDefault(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.ResolveLedger())
	assert.Equal(t, DefaultLedgerPath, cfg.Ledger)

	cfg = &Config{Ledger: "progress.json"}
	require.NoError(t, cfg.ResolveLedger())
	assert.True(t, filepath.IsAbs(cfg.Ledger))
}
