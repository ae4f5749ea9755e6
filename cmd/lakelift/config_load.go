package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openmined/lakelift/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	envPrefix      = "LAKELIFT"
)

// configKeys lists every setting so that LAKELIFT_* variables are seen by
// Unmarshal even when neither the file nor a flag mentions the key.
var configKeys = []string{
	"candidates", "ledger", "journal", "log_file",
	"concurrency", "batch_size", "target_batch_bytes", "min_batch_size", "max_batch_size",
	"batch_pause", "start_batch", "max_batches", "test_run", "retry_failed", "dry_run",
	"retry.max_attempts", "retry.base_delay", "retry.max_delay",
	"auth.token", "auth.env_file", "auth.command", "auth.token_key", "auth.expiry_key",
	"auth.token_ttl", "auth.command_timeout", "auth.safety_margin", "auth.max_refresh_attempts",
	"source.kind", "source.root",
	"source.sftp.host", "source.sftp.port", "source.sftp.username", "source.sftp.password",
	"source.sftp.key_file", "source.sftp.known_hosts_file", "source.sftp.root", "source.sftp.dial_timeout",
	"store.endpoint", "store.workspace", "store.container", "store.prefix", "store.api_version",
	"store.on_existing", "store.chunk_size", "store.request_timeout", "store.bandwidth_limit",
}

// flagKeys maps command flags onto config keys.
var flagKeys = map[string]string{
	"ledger":          "ledger",
	"candidates":      "candidates",
	"concurrency":     "concurrency",
	"batch-size":      "batch_size",
	"batch-bytes":     "target_batch_bytes",
	"batch-pause":     "batch_pause",
	"start-batch":     "start_batch",
	"max-batches":     "max_batches",
	"test-run":        "test_run",
	"retry-failed":    "retry_failed",
	"dry-run":         "dry_run",
	"on-existing":     "store.on_existing",
	"workspace":       "store.workspace",
	"container":       "store.container",
	"prefix":          "store.prefix",
	"endpoint":        "store.endpoint",
	"bandwidth-limit": "store.bandwidth_limit",
	"token-env-file":  "auth.env_file",
	"token-command":   "auth.command",
	"source-root":     "source.root",
	"journal":         "journal",
}

// loadConfig merges the config file, LAKELIFT_ environment variables and
// the flags of cmd, in increasing priority.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	if cfgFlag := cmd.Flag("config"); cfgFlag != nil && cfgFlag.Changed {
		v.SetConfigFile(cfgFlag.Value.String())
	} else if envPath := os.Getenv(envPrefix + "_CONFIG_PATH"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		v.AddConfigPath(config.DefaultConfigDir)
		v.SetConfigName(configFileName)
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = v.BindPFlag(key, f)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	return cfg, nil
}
