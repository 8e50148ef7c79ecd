// Package progress tracks per-transfer byte and file counts and computes
// a smoothed transfer rate for ETA estimates.
package progress

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of one transfer's progress.
type Snapshot struct {
	TransferID string
	BytesDone  int64
	TotalBytes int64
	FilesDone  int
	TotalFiles int
	RateBps    float64 // smoothed instantaneous rate
	AvgBps     float64 // bytes per second over the whole run
	ETA        time.Duration
	Percent    float64
	StartedAt  time.Time
}

// Tracker accumulates progress for one transfer. The rate is an
// exponentially weighted moving average so a single slow chunk doesn't
// whipsaw the ETA. Safe for concurrent use by multiple streams.
type Tracker struct {
	mu         sync.Mutex
	transferID string
	totalBytes int64
	totalFiles int
	done       int64
	filesDone  int
	startedAt  time.Time
	lastAt     time.Time
	lastDone   int64
	rateBps    float64
	alpha      float64
	now        func() time.Time
}

// NewTracker returns a tracker for the given transfer with a default
// smoothing factor.
func NewTracker(transferID string, totalBytes int64, totalFiles int) *Tracker {
	return NewTrackerWithNow(transferID, totalBytes, totalFiles, time.Now)
}

// NewTrackerWithNow uses a custom time source, for tests.
func NewTrackerWithNow(transferID string, totalBytes int64, totalFiles int, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	start := now()
	return &Tracker{
		transferID: transferID,
		totalBytes: totalBytes,
		totalFiles: totalFiles,
		startedAt:  start,
		lastAt:     start,
		alpha:      0.2,
		now:        now,
	}
}

// AddBytes records n transferred bytes and folds them into the rate.
func (t *Tracker) AddBytes(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.done += int64(n)
	deltaBytes := t.done - t.lastDone
	deltaTime := now.Sub(t.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if t.rateBps == 0 {
			t.rateBps = inst
		} else {
			t.rateBps = t.alpha*inst + (1-t.alpha)*t.rateBps
		}
		t.lastAt = now
		t.lastDone = t.done
	}
}

// SkipBytes records n bytes as already done without affecting the rate.
// Used when a resumed transfer credits chunks verified from a previous
// run.
func (t *Tracker) SkipBytes(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done += n
	t.lastDone += n
}

// FileDone records completion of one file.
func (t *Tracker) FileDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filesDone++
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		TransferID: t.transferID,
		BytesDone:  t.done,
		TotalBytes: t.totalBytes,
		FilesDone:  t.filesDone,
		TotalFiles: t.totalFiles,
		RateBps:    t.rateBps,
		StartedAt:  t.startedAt,
	}
	if elapsed := t.now().Sub(t.startedAt).Seconds(); elapsed > 0 {
		s.AvgBps = float64(t.done) / elapsed
	}
	if t.totalBytes > 0 {
		s.Percent = float64(t.done) / float64(t.totalBytes) * 100
	}
	if t.rateBps > 0 && t.totalBytes > t.done {
		remaining := float64(t.totalBytes - t.done)
		s.ETA = time.Duration(remaining/t.rateBps) * time.Second
	}
	return s
}
