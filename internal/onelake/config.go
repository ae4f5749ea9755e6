package onelake

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultEndpoint       = "https://onelake.dfs.fabric.microsoft.com"
	DefaultAPIVersion     = "2020-06-12"
	DefaultChunkSize      = int64(8 * 1024 * 1024)
	DefaultRequestTimeout = 5 * time.Minute
	minChunkSize          = int64(64 * 1024)
	maxChunkSize          = int64(100 * 1024 * 1024)
)

// ExistingPolicy decides what happens when the destination already exists.
type ExistingPolicy string

const (
	// ExistingSkip leaves an existing destination of the same size alone.
	ExistingSkip ExistingPolicy = "skip"
	// ExistingOverwrite always replaces the destination.
	ExistingOverwrite ExistingPolicy = "overwrite"
)

func ParseExistingPolicy(s string) (ExistingPolicy, error) {
	switch p := ExistingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case ExistingSkip, ExistingOverwrite:
		return p, nil
	case "":
		return "", errors.New("on_existing must be set to skip or overwrite")
	}
	return "", fmt.Errorf("invalid on_existing %q, want skip or overwrite", s)
}

// Config points the client at a store container.
type Config struct {
	Endpoint       string         `mapstructure:"endpoint"`
	Workspace      string         `mapstructure:"workspace"`
	Container      string         `mapstructure:"container"`
	Prefix         string         `mapstructure:"prefix"`
	APIVersion     string         `mapstructure:"api_version"`
	OnExisting     ExistingPolicy `mapstructure:"on_existing"`
	ChunkSize      int64          `mapstructure:"chunk_size"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	BandwidthLimit int64          `mapstructure:"bandwidth_limit"` // bytes/sec, 0 is unlimited
}

func (c *Config) setDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

func (c *Config) Validate() error {
	c.setDefaults()

	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q", c.Endpoint)
	}
	if c.Workspace == "" {
		return errors.New("workspace is required")
	}
	if c.Container == "" {
		return errors.New("container is required")
	}
	if _, err := ParseExistingPolicy(string(c.OnExisting)); err != nil {
		return err
	}
	if c.ChunkSize < minChunkSize || c.ChunkSize > maxChunkSize {
		return fmt.Errorf("chunk_size %d out of range [%d, %d]", c.ChunkSize, minChunkSize, maxChunkSize)
	}
	if c.BandwidthLimit < 0 {
		return errors.New("bandwidth_limit must not be negative")
	}
	return nil
}

// ResourcePath is the URL path of a destination key, each segment escaped.
func (c *Config) ResourcePath(key string) string {
	segments := []string{c.Workspace, c.Container}
	if p := strings.Trim(strings.ReplaceAll(c.Prefix, "\\", "/"), "/"); p != "" {
		segments = append(segments, strings.Split(p, "/")...)
	}
	segments = append(segments, strings.Split(key, "/")...)

	var b strings.Builder
	for _, s := range segments {
		if s == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// ResourceURL is the absolute URL of a destination key.
func (c *Config) ResourceURL(key string) string {
	return strings.TrimRight(c.Endpoint, "/") + c.ResourcePath(key)
}
