package scheduler

import (
	"github.com/openmined/lakelift/internal/transfer"
)

// PartitionConfig controls batch sizing. With TargetBatchBytes unset every
// batch holds BatchSize files. Otherwise each batch is sized so its total
// bytes stay close to the target: TargetBatchBytes divided by the average
// size of the next BatchSize files, clamped to [MinBatchSize, MaxBatchSize].
type PartitionConfig struct {
	BatchSize        int
	TargetBatchBytes int64
	MinBatchSize     int
	MaxBatchSize     int
}

func (p PartitionConfig) withDefaults() PartitionConfig {
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.MinBatchSize <= 0 {
		p.MinBatchSize = 1
	}
	if p.MaxBatchSize <= 0 {
		p.MaxBatchSize = p.BatchSize
	}
	if p.MaxBatchSize < p.MinBatchSize {
		p.MaxBatchSize = p.MinBatchSize
	}
	return p
}

// Partition splits candidates into ordered batches. The concatenation of the
// batches is always the input.
func Partition(candidates []transfer.FileCandidate, p PartitionConfig) [][]transfer.FileCandidate {
	p = p.withDefaults()

	var batches [][]transfer.FileCandidate
	for i := 0; i < len(candidates); {
		size := p.nextSize(candidates[i:])
		end := min(i+size, len(candidates))
		batches = append(batches, candidates[i:end])
		i = end
	}
	return batches
}

func (p PartitionConfig) nextSize(rest []transfer.FileCandidate) int {
	if p.TargetBatchBytes <= 0 {
		return p.BatchSize
	}

	window := rest[:min(p.BatchSize, len(rest))]
	var total int64
	for _, c := range window {
		total += c.SizeBytes
	}
	avg := total / int64(len(window))
	if avg <= 0 {
		return p.MaxBatchSize
	}

	size := p.TargetBatchBytes / avg
	switch {
	case size < int64(p.MinBatchSize):
		return p.MinBatchSize
	case size > int64(p.MaxBatchSize):
		return p.MaxBatchSize
	}
	return int(size)
}
