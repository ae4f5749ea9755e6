// Package onelake uploads files into a OneLake (ADLS Gen2 DFS) container with
// the create, append and flush protocol.
package onelake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/imroc/req/v3"
	"github.com/openmined/lakelift/internal/auth"
	"github.com/openmined/lakelift/internal/retry"
	"github.com/openmined/lakelift/internal/source"
	"github.com/openmined/lakelift/internal/transfer"
	"github.com/openmined/lakelift/internal/version"
	"golang.org/x/time/rate"
)

// Client is stateless between uploads and safe to share between workers.
type Client struct {
	cfg     Config
	http    *req.Client
	opener  source.Opener
	policy  retry.Policy
	limiter *rate.Limiter
	stats   *httpStats
}

// New creates a Client. The config is validated first.
func New(cfg Config, opener source.Opener, policy retry.Policy) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("onelake config: %w", err)
	}
	if opener == nil {
		opener = source.Local{}
	}

	stats := newHTTPStats()
	client := req.C().
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderVersion, cfg.APIVersion).
		SetCommonRetryCount(0).
		SetTimeout(cfg.RequestTimeout).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		OnBeforeRequest(func(_ *req.Client, _ *req.Request) error {
			stats.onRequest()
			return nil
		})

	var limiter *rate.Limiter
	if cfg.BandwidthLimit > 0 {
		// a burst must hold one whole chunk or WaitN would always fail
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), int(max(cfg.BandwidthLimit, cfg.ChunkSize)))
	}

	return &Client{
		cfg:     cfg,
		http:    client,
		opener:  opener,
		policy:  policy,
		limiter: limiter,
		stats:   stats,
	}, nil
}

// Config returns the validated configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Stats returns the traffic counters.
func (c *Client) Stats() StatsSnapshot {
	return c.stats.snapshot()
}

// Upload runs one attempt of the create, append and flush sequence for a
// candidate. The attempt is detached from ctx cancellation so a stopping run
// never leaves a chunk half written; every request is bounded by the
// configured request timeout instead.
func (c *Client) Upload(ctx context.Context, candidate transfer.FileCandidate, cred auth.Credential) transfer.UploadOutcome {
	ctx = context.WithoutCancel(ctx)

	var (
		sent    int64
		skipped bool
		err     error
	)
	if err = candidate.Validate(); err == nil {
		sent, skipped, err = c.upload(ctx, candidate, cred)
	}

	outcome := transfer.UploadOutcome{
		Status:           c.policy.Classify(err),
		BytesTransferred: sent,
		Err:              err,
		Timestamp:        time.Now(),
	}
	if skipped {
		outcome.Status = transfer.Skipped
	}
	if err != nil {
		c.stats.setLastError(err)
		slog.Debug("upload attempt failed", "path", candidate.Key(), "status", outcome.Status, "sent", sent, "error", err)
	}
	return outcome
}

func (c *Client) upload(ctx context.Context, candidate transfer.FileCandidate, cred auth.Credential) (int64, bool, error) {
	key := candidate.Key()
	target := c.cfg.ResourceURL(key)
	call := &call{client: c, url: target, token: cred.Token}

	rc, err := c.opener.Open(ctx, candidate.SourcePath)
	if err != nil {
		return 0, false, err
	}
	defer rc.Close()

	created, err := call.create(ctx, true)
	if err != nil {
		return 0, false, err
	}
	if !created {
		existing, found, err := call.head(ctx)
		if err != nil {
			return 0, false, err
		}
		if found && c.cfg.OnExisting == ExistingSkip && existing == candidate.SizeBytes {
			slog.Debug("destination exists with same size", "path", key, "size", existing)
			return 0, true, nil
		}
		if found && existing != candidate.SizeBytes {
			slog.Debug("replacing destination", "path", key, "remoteSize", existing, "localSize", candidate.SizeBytes)
		}
		// without the precondition create truncates the resource to position 0
		if _, err := call.create(ctx, false); err != nil {
			return 0, false, err
		}
	}

	var (
		position    int64
		contentType string
		buf         = make([]byte, min(c.cfg.ChunkSize, max(candidate.SizeBytes, 1)))
	)
	for position < candidate.SizeBytes {
		n := min(int64(len(buf)), candidate.SizeBytes-position)
		chunk := buf[:n]
		if _, err := io.ReadFull(rc, chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return position, false, fmt.Errorf("%w: %s shorter than %d bytes", transfer.ErrSizeMismatch, candidate.SourcePath, candidate.SizeBytes)
			}
			return position, false, fmt.Errorf("read %s: %w", candidate.SourcePath, err)
		}
		if position == 0 {
			contentType = mimetype.Detect(chunk).String()
		}

		if c.limiter != nil {
			if err := c.limiter.WaitN(ctx, len(chunk)); err != nil {
				return position, false, err
			}
		}
		if err := call.append(ctx, position, chunk); err != nil {
			return position, false, err
		}
		position += n
	}

	more, err := trailingData(rc)
	if err != nil {
		return position, false, fmt.Errorf("read %s: %w", candidate.SourcePath, err)
	}
	if more {
		return position, false, fmt.Errorf("%w: %s grew past %d bytes", transfer.ErrSizeMismatch, candidate.SourcePath, candidate.SizeBytes)
	}

	if err := call.flush(ctx, position, contentType); err != nil {
		return position, false, err
	}
	return position, false, nil
}

// trailingData reports whether r still has bytes after the declared size.
func trailingData(r io.Reader) (bool, error) {
	var one [1]byte
	for range 2 {
		n, err := r.Read(one[:])
		if n > 0 {
			return true, nil
		}
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return false, nil
}
