package transfer

import (
	"fmt"
	"log/slog"
	"os"

	mapset "github.com/deckarep/golang-set/v2"
)

// candidateCache mirrors the document written by the enumeration step.
type candidateCache struct {
	Timestamp string           `json:"timestamp"`
	Files     []cachedFileInfo `json:"files"`
}

type cachedFileInfo struct {
	Path         string `json:"path"`
	RelativePath string `json:"relative_path"`
	SizeBytes    *int64 `json:"size_bytes"`
	Size         *int64 `json:"size"` // older caches
}

// LoadCandidates reads an enumeration cache document and returns its files in
// order. Entries with a duplicate destination key are dropped, keeping the
// first occurrence.
func LoadCandidates(path string) ([]FileCandidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}

	var cache candidateCache
	if err := jsonUnmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("decode candidates %s: %w", path, err)
	}

	candidates := make([]FileCandidate, 0, len(cache.Files))
	for _, f := range cache.Files {
		c := FileCandidate{SourcePath: f.Path, RelativePath: f.RelativePath}
		switch {
		case f.SizeBytes != nil:
			c.SizeBytes = *f.SizeBytes
		case f.Size != nil:
			c.SizeBytes = *f.Size
		}
		candidates = append(candidates, c)
	}

	candidates, dropped := Dedupe(candidates)
	if dropped > 0 {
		slog.Warn("candidates", "duplicates", dropped, "path", path)
	}
	slog.Info("candidates loaded", "files", len(candidates), "cacheTimestamp", cache.Timestamp)
	return candidates, nil
}

// Dedupe removes candidates whose destination key was already seen, keeping
// input order. Candidates without a usable key are kept for validation to
// reject. It returns the number of dropped entries.
func Dedupe(candidates []FileCandidate) ([]FileCandidate, int) {
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(candidates))
	out := make([]FileCandidate, 0, len(candidates))
	for _, c := range candidates {
		if key := c.Key(); key != "" && !seen.Add(key) {
			continue
		}
		out = append(out, c)
	}
	return out, len(candidates) - len(out)
}
