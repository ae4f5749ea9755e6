// Package config holds the settings of a migration run. Values are decoded
// by viper from the config file, LAKELIFT_ environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/lakelift/internal/auth"
	"github.com/openmined/lakelift/internal/ledger"
	"github.com/openmined/lakelift/internal/onelake"
	"github.com/openmined/lakelift/internal/retry"
	"github.com/openmined/lakelift/internal/scheduler"
	"github.com/openmined/lakelift/internal/source"
	"github.com/openmined/lakelift/internal/utils"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigDir   = filepath.Join(home, ".lakelift")
	DefaultLedgerPath  = filepath.Join(DefaultConfigDir, "progress.json")
	DefaultLogFilePath = filepath.Join(DefaultConfigDir, "logs", "lakelift.log")
)

const (
	DefaultBatchPause = 500 * time.Millisecond
	TestRunBatches    = 5

	SourceLocal = "local"
	SourceSFTP  = "sftp"
)

type Config struct {
	Path string `mapstructure:"-"` // config file in use, if any

	Candidates string `mapstructure:"candidates"`
	Ledger     string `mapstructure:"ledger"`
	Journal    string `mapstructure:"journal"` // defaults next to the ledger
	LogFile    string `mapstructure:"log_file"`

	Concurrency      int           `mapstructure:"concurrency"`
	BatchSize        int           `mapstructure:"batch_size"`
	TargetBatchBytes int64         `mapstructure:"target_batch_bytes"`
	MinBatchSize     int           `mapstructure:"min_batch_size"`
	MaxBatchSize     int           `mapstructure:"max_batch_size"`
	BatchPause       time.Duration `mapstructure:"batch_pause"`
	StartBatch       int           `mapstructure:"start_batch"` // 1-based
	MaxBatches       int           `mapstructure:"max_batches"`
	TestRun          bool          `mapstructure:"test_run"`
	RetryFailed      bool          `mapstructure:"retry_failed"`
	DryRun           bool          `mapstructure:"dry_run"`

	Retry  retry.Policy   `mapstructure:"retry"`
	Auth   AuthConfig     `mapstructure:"auth"`
	Source SourceConfig   `mapstructure:"source"`
	Store  onelake.Config `mapstructure:"store"`
}

// AuthConfig selects where bearer tokens come from: a fixed token, or an env
// file optionally rewritten by an external command before every read.
type AuthConfig struct {
	Token              string        `mapstructure:"token"`
	EnvFile            string        `mapstructure:"env_file"`
	Command            []string      `mapstructure:"command"`
	TokenKey           string        `mapstructure:"token_key"`
	ExpiryKey          string        `mapstructure:"expiry_key"`
	TokenTTL           time.Duration `mapstructure:"token_ttl"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`
	SafetyMargin       time.Duration `mapstructure:"safety_margin"`
	MaxRefreshAttempts int           `mapstructure:"max_refresh_attempts"`
}

type SourceConfig struct {
	Kind string            `mapstructure:"kind"` // local or sftp
	Root string            `mapstructure:"root"` // base for relative candidate paths
	SFTP source.SFTPConfig `mapstructure:"sftp"`
}

// Validate fills defaults, resolves paths and checks the settings needed to
// start a run.
func (c *Config) Validate() error {
	var err error

	if c.Candidates == "" {
		return errors.New("candidates file is required")
	}
	if c.Candidates, err = utils.ResolvePath(c.Candidates); err != nil {
		return fmt.Errorf("candidates: %w", err)
	}

	if err := c.ResolveLedger(); err != nil {
		return err
	}
	if c.Journal == "" {
		c.Journal = ledger.AttemptLogPath(c.Ledger)
	} else if c.Journal, err = utils.ResolvePath(c.Journal); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	if c.Concurrency <= 0 {
		c.Concurrency = scheduler.DefaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = scheduler.DefaultBatchSize
	}
	if c.MinBatchSize < 0 || c.MaxBatchSize < 0 || c.TargetBatchBytes < 0 {
		return errors.New("batch bounds cannot be negative")
	}
	if c.MaxBatchSize > 0 && c.MinBatchSize > c.MaxBatchSize {
		return fmt.Errorf("min_batch_size %d is above max_batch_size %d", c.MinBatchSize, c.MaxBatchSize)
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.StartBatch < 0 || c.MaxBatches < 0 {
		return errors.New("start_batch and max_batches cannot be negative")
	}
	if c.TestRun {
		if c.StartBatch > 1 || c.MaxBatches > 0 {
			slog.Warn("test run ignores start_batch and max_batches", "startBatch", c.StartBatch, "maxBatches", c.MaxBatches)
		}
		c.StartBatch = 1
		c.MaxBatches = TestRunBatches
	}

	c.Retry = c.Retry.WithDefaults()

	if err := c.Auth.validate(); err != nil {
		return err
	}
	if err := c.Source.validate(); err != nil {
		return err
	}

	if _, err := onelake.ParseExistingPolicy(string(c.Store.OnExisting)); err != nil {
		return err
	}
	return c.Store.Validate()
}

// ResolveLedger applies the default ledger location and makes it absolute.
func (c *Config) ResolveLedger() error {
	if c.Ledger == "" {
		c.Ledger = DefaultLedgerPath
	}
	path, err := utils.ResolvePath(c.Ledger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	c.Ledger = path
	return nil
}

func (a *AuthConfig) validate() error {
	if a.Token != "" {
		return nil
	}
	if a.EnvFile == "" {
		return errors.New("auth: set either token or env_file")
	}
	path, err := utils.ResolvePath(a.EnvFile)
	if err != nil {
		return fmt.Errorf("auth env_file: %w", err)
	}
	a.EnvFile = path
	if len(a.Command) == 0 && !utils.FileExists(a.EnvFile) {
		return fmt.Errorf("auth env_file %s does not exist and no refresh command is set", a.EnvFile)
	}
	return nil
}

// Refresher returns the token source described by the config.
func (a AuthConfig) Refresher() auth.Refresher {
	if a.Token != "" {
		return auth.StaticRefresher{Credential: auth.Credential{Token: a.Token, ExpiresAt: tokenExpiry(a.Token)}}
	}
	return &auth.CommandRefresher{
		Command:        a.Command,
		EnvFile:        a.EnvFile,
		TokenKey:       a.TokenKey,
		ExpiryKey:      a.ExpiryKey,
		DefaultTTL:     a.TokenTTL,
		CommandTimeout: a.CommandTimeout,
	}
}

func (a AuthConfig) ManagerConfig() auth.ManagerConfig {
	return auth.ManagerConfig{
		SafetyMargin:       a.SafetyMargin,
		MaxRefreshAttempts: a.MaxRefreshAttempts,
	}
}

// static tokens without a readable exp are treated as long lived
func tokenExpiry(token string) time.Time {
	if exp, ok := auth.TokenExpiry(token); ok {
		return exp
	}
	return time.Now().Add(24 * time.Hour)
}

func (s *SourceConfig) validate() error {
	switch s.Kind {
	case "", SourceLocal:
		s.Kind = SourceLocal
		if s.Root == "" {
			return nil
		}
		root, err := utils.ResolvePath(s.Root)
		if err != nil {
			return fmt.Errorf("source root: %w", err)
		}
		s.Root = root
		return nil
	case SourceSFTP:
		if s.SFTP.Root == "" {
			s.SFTP.Root = s.Root
		}
		return s.SFTP.Validate()
	}
	return fmt.Errorf("unknown source kind %q, want %s or %s", s.Kind, SourceLocal, SourceSFTP)
}
