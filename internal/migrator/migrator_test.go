package migrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/lakelift/internal/auth"
	"github.com/openmined/lakelift/internal/config"
	"github.com/openmined/lakelift/internal/ledger"
	"github.com/openmined/lakelift/internal/onelake"
	"github.com/openmined/lakelift/internal/onelake/onelaketest"
	"github.com/openmined/lakelift/internal/retry"
	"github.com/openmined/lakelift/internal/scheduler"
	"github.com/openmined/lakelift/internal/transfer"
	"github.com/openmined/lakelift/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uploadFunc func(ctx context.Context, c transfer.FileCandidate, cred auth.Credential) transfer.UploadOutcome

func (f uploadFunc) Upload(ctx context.Context, c transfer.FileCandidate, cred auth.Credential) transfer.UploadOutcome {
	return f(ctx, c, cred)
}

type counter struct{ n atomic.Int32 }

func (u *counter) succeed() uploadFunc {
	return func(_ context.Context, c transfer.FileCandidate, _ auth.Credential) transfer.UploadOutcome {
		u.n.Add(1)
		return transfer.UploadOutcome{Status: transfer.Success, BytesTransferred: c.SizeBytes}
	}
}

func staticCreds() *auth.Manager {
	cred := auth.Credential{Token: "token", ExpiresAt: time.Now().Add(time.Hour)}
	return auth.NewManager(auth.StaticRefresher{Credential: cred}, cred, auth.ManagerConfig{})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "progress.json")
	return &config.Config{
		Ledger:      ledgerPath,
		Journal:     ledger.AttemptLogPath(ledgerPath),
		Concurrency: 2,
		BatchSize:   4,
		Retry:       retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func candidates(n int) []transfer.FileCandidate {
	out := make([]transfer.FileCandidate, n)
	for i := range n {
		name := fmt.Sprintf("docs/file%02d.pdf", i)
		out[i] = transfer.FileCandidate{SourcePath: "/src/" + name, RelativePath: name, SizeBytes: 100}
	}
	return out
}

func TestRunCompletes(t *testing.T) {
	cfg := testConfig(t)
	up := &counter{}
	m := NewWith(cfg, up.succeed(), staticCreds())

	var states []State
	m.OnBatch = func(scheduler.BatchReport) { states = append(states, m.State()) }

	sum, err := m.Run(context.Background(), candidates(10))
	require.NoError(t, err)
	assert.Equal(t, Terminal, m.State())
	assert.Equal(t, []State{Running, Running, Running}, states)

	assert.Equal(t, 10, sum.Total)
	assert.Equal(t, 10, sum.Completed)
	assert.Equal(t, 10, sum.Attempted)
	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, int64(1000), sum.Bytes)
	assert.Equal(t, 0, sum.Pending)
	assert.Equal(t, float64(100), sum.PercentComplete())
	assert.Equal(t, ExitOK, sum.ExitCode())
	assert.Empty(t, sum.Resume())
	assert.Equal(t, int32(10), up.n.Load())

	assert.True(t, utils.FileExists(cfg.Ledger))
	assert.True(t, utils.FileExists(cfg.Journal))

	_, err = m.Run(context.Background(), candidates(10))
	assert.ErrorIs(t, err, ErrAlreadyRan)
}

func TestRunNothingRemaining(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewWith(cfg, (&counter{}).succeed(), staticCreds()).Run(context.Background(), candidates(5))
	require.NoError(t, err)

	up := &counter{}
	sum, err := NewWith(cfg, up.succeed(), staticCreds()).Run(context.Background(), candidates(5))
	require.NoError(t, err)
	assert.Zero(t, up.n.Load())
	assert.Zero(t, sum.Attempted)
	assert.Equal(t, 5, sum.Completed)
	assert.Equal(t, ExitOK, sum.ExitCode())
}

func TestRunRetryFailed(t *testing.T) {
	cfg := testConfig(t)
	cands := candidates(4)
	broken := cands[1].Key()

	flaky := uploadFunc(func(_ context.Context, c transfer.FileCandidate, _ auth.Credential) transfer.UploadOutcome {
		if c.Key() == broken {
			return transfer.UploadOutcome{Status: transfer.FatalFailure, Err: transfer.ErrSourceNotFound}
		}
		return transfer.UploadOutcome{Status: transfer.Success, BytesTransferred: c.SizeBytes}
	})
	sum, err := NewWith(cfg, flaky, staticCreds()).Run(context.Background(), cands)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, ExitFailedFiles, sum.ExitCode())

	// without retry-failed the failure stays
	up := &counter{}
	sum, err = NewWith(cfg, up.succeed(), staticCreds()).Run(context.Background(), cands)
	require.NoError(t, err)
	assert.Zero(t, up.n.Load())
	assert.Equal(t, 1, sum.Failed)

	cfg.RetryFailed = true
	sum, err = NewWith(cfg, up.succeed(), staticCreds()).Run(context.Background(), cands)
	require.NoError(t, err)
	assert.Equal(t, int32(1), up.n.Load())
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 4, sum.Completed)
	assert.Equal(t, ExitOK, sum.ExitCode())
	require.NotEmpty(t, sum.Backup)
	assert.True(t, utils.FileExists(sum.Backup))
}

func TestRunDryRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.DryRun = true
	cfg.MaxBatches = 2

	up := &counter{}
	sum, err := NewWith(cfg, up.succeed(), staticCreds()).Run(context.Background(), candidates(10))
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 8, sum.Attempted)
	assert.Equal(t, 10, sum.Pending)
	assert.Zero(t, up.n.Load())
	assert.False(t, utils.FileExists(cfg.Ledger))
}

func TestRunSkipsInvalidCandidates(t *testing.T) {
	cfg := testConfig(t)
	cands := append(candidates(2),
		transfer.FileCandidate{SourcePath: "/src/x", RelativePath: "../escape", SizeBytes: 1},
		transfer.FileCandidate{SourcePath: "", RelativePath: "nosource", SizeBytes: 1},
	)

	sum, err := NewWith(cfg, (&counter{}).succeed(), staticCreds()).Run(context.Background(), cands)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Invalid)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Completed)
}

func TestRunDropsDuplicateKeys(t *testing.T) {
	cfg := testConfig(t)
	cands := []transfer.FileCandidate{
		{SourcePath: "/src/docs/a.pdf", RelativePath: "docs/a.pdf", SizeBytes: 100},
		{SourcePath: `C:\src\docs\a.pdf`, RelativePath: `docs\a.pdf`, SizeBytes: 100},
		{SourcePath: "/src/docs/b.pdf", RelativePath: "docs/b.pdf", SizeBytes: 100},
	}

	var mu sync.Mutex
	var sources []string
	up := uploadFunc(func(_ context.Context, c transfer.FileCandidate, _ auth.Credential) transfer.UploadOutcome {
		mu.Lock()
		sources = append(sources, c.SourcePath)
		mu.Unlock()
		return transfer.UploadOutcome{Status: transfer.Success, BytesTransferred: c.SizeBytes}
	})

	sum, err := NewWith(cfg, up, staticCreds()).Run(context.Background(), cands)
	require.NoError(t, err)
	assert.False(t, sum.Aborted)
	assert.Equal(t, ExitOK, sum.ExitCode())
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Completed)
	assert.ElementsMatch(t, []string{"/src/docs/a.pdf", "/src/docs/b.pdf"}, sources)
}

func TestRunAbortIsResumable(t *testing.T) {
	cfg := testConfig(t)
	failing := auth.RefresherFunc(func(context.Context) (auth.Credential, error) {
		return auth.Credential{}, errors.New("token command failed")
	})
	creds := auth.NewManager(failing, auth.Credential{}, auth.ManagerConfig{RefreshBackoff: time.Millisecond})

	sum, err := NewWith(cfg, (&counter{}).succeed(), creds).Run(context.Background(), candidates(6))
	require.NoError(t, err)
	assert.True(t, sum.Aborted)
	assert.Contains(t, sum.Reason, "refresh attempts exhausted")
	assert.Equal(t, ExitStopped, sum.ExitCode())
	assert.Equal(t, ResumeHint, sum.Resume())
	assert.Equal(t, 6, sum.Pending)

	up := &counter{}
	sum, err = NewWith(cfg, up.succeed(), staticCreds()).Run(context.Background(), candidates(6))
	require.NoError(t, err)
	assert.Equal(t, int32(6), up.n.Load())
	assert.Equal(t, 6, sum.Completed)
	assert.Equal(t, ExitOK, sum.ExitCode())
}

func TestRunInterrupted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	up := uploadFunc(func(_ context.Context, c transfer.FileCandidate, _ auth.Credential) transfer.UploadOutcome {
		cancel()
		return transfer.UploadOutcome{Status: transfer.Success, BytesTransferred: c.SizeBytes}
	})
	sum, err := NewWith(cfg, up, staticCreds()).Run(ctx, candidates(8))
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 7, sum.Pending)
	assert.Equal(t, ExitStopped, sum.ExitCode())
}

func TestRunLedgerLocked(t *testing.T) {
	cfg := testConfig(t)
	held, err := ledger.Open(cfg.Ledger)
	require.NoError(t, err)
	defer held.Close()

	m := NewWith(cfg, (&counter{}).succeed(), staticCreds())
	_, err = m.Run(context.Background(), candidates(1))
	assert.ErrorIs(t, err, ledger.ErrLocked)
	assert.Equal(t, Terminal, m.State())
}

func TestNewEndToEnd(t *testing.T) {
	srcDir := t.TempDir()
	var cands []transfer.FileCandidate
	for i := range 3 {
		name := fmt.Sprintf("scan%d.txt", i)
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name), []byte("page "+name), 0o644))
		cands = append(cands, transfer.FileCandidate{SourcePath: name, RelativePath: "archive/" + name, SizeBytes: int64(len("page " + name))})
	}

	srv := onelaketest.NewServer("/ws/lh/Files")
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Candidates = filepath.Join(srcDir, "cache.json")
	cfg.Auth = config.AuthConfig{Token: "token"}
	cfg.Source = config.SourceConfig{Root: srcDir}
	cfg.Store = onelake.Config{Endpoint: srv.URL, Workspace: "ws", Container: "lh", Prefix: "Files", OnExisting: onelake.ExistingSkip}
	require.NoError(t, cfg.Validate())

	m, err := New(cfg)
	require.NoError(t, err)
	defer m.Close()

	sum, err := m.Run(context.Background(), cands)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, ExitOK, sum.ExitCode())

	data, ok := srv.File("archive/scan1.txt")
	require.True(t, ok)
	assert.Equal(t, "page scan1.txt", string(data))
}
