package client

import (
	"sync"
	"time"
)

const (
	DefaultChunkSize = 2 << 20
	MinChunkSize     = 1 << 20
	MaxChunkSize     = 8 << 20

	fastChunk = 2 * time.Second
	slowChunk = 5 * time.Second

	// Averages cover the most recent samples; only the last few are kept.
	sampleWindow = 3
	sampleKeep   = 5

	// More failures than this shrink the next file's chunks.
	failureTolerance = 2
)

// Tuner adapts the chunk size between files from observed chunk times.
// A file keeps one chunk size from init to completion.
type Tuner struct {
	mu       sync.Mutex
	size     int64
	samples  []time.Duration
	failures int
}

// NewTuner starts at initial, clamped to [MinChunkSize, MaxChunkSize]. Zero
// selects DefaultChunkSize.
func NewTuner(initial int64) *Tuner {
	if initial == 0 {
		initial = DefaultChunkSize
	}
	return &Tuner{size: clampChunk(initial)}
}

func clampChunk(n int64) int64 {
	return max(MinChunkSize, min(n, MaxChunkSize))
}

// ChunkSize returns the chunk size for the next file, first applying what
// the last chunks showed: an average under 2s grows it by half, over 5s
// shrinks it by a third.
func (t *Tuner) ChunkSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) >= sampleWindow {
		recent := t.samples[len(t.samples)-sampleWindow:]
		var total time.Duration
		for _, d := range recent {
			total += d
		}
		avg := total / sampleWindow

		switch {
		case avg < fastChunk:
			t.size = clampChunk(t.size * 3 / 2)
		case avg > slowChunk:
			t.size = clampChunk(t.size * 2 / 3)
		}
	}
	return t.size
}

// Observe records how long one chunk took.
func (t *Tuner) Observe(elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, elapsed)
	if len(t.samples) > sampleKeep {
		t.samples = t.samples[len(t.samples)-sampleKeep:]
	}
}

// Failed records a failed chunk attempt. Past the tolerance each failure
// halves the chunk size.
func (t *Tuner) Failed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	if t.failures > failureTolerance {
		t.size = clampChunk(t.size / 2)
	}
}
