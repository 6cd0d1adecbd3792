// Package progress tracks pipeline runs by frame counts. A Tracker owns the
// set of live jobs; each Job derives its phase from the counters flowing
// through it (a frame report moves a compiling job to running, a final
// outcome pins it) and computes throughput and ETA from the frame totals.
// Watchers observe snapshots at a bounded rate so a fast encoder cannot
// flood observers.
package progress

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/upscalarr/upscalarr/internal/pipeline/stream"
)

// Common errors.
var (
	// ErrJobExists is returned when the job id is already being tracked.
	ErrJobExists = errors.New("job is already tracked")
	// ErrJobNotFound is returned when the job is unknown to the tracker.
	ErrJobNotFound = errors.New("job not found")
)

// minNotifyInterval bounds how often watchers see non-final snapshots.
const minNotifyInterval = 250 * time.Millisecond

// retention is how long finished jobs stay visible before Prune drops them.
const retention = 5 * time.Minute

// Phase is the lifecycle position of a job. Phases only move forward.
type Phase uint8

const (
	// PhaseCompiling covers model loading and graph compilation.
	PhaseCompiling Phase = iota
	// PhaseRunning begins with the first encoded frame.
	PhaseRunning
	// PhaseDone is a clean completion.
	PhaseDone
	// PhaseFailed is a stage or compile error.
	PhaseFailed
	// PhaseCancelled is a user abort.
	PhaseCancelled
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseCompiling:
		return "compiling"
	case PhaseRunning:
		return "running"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Finished reports whether the phase is terminal.
func (p Phase) Finished() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseCancelled
}

// Snapshot is an immutable view of a job at one instant.
type Snapshot struct {
	JobID string `json:"job_id"`
	Label string `json:"label,omitempty"`
	Phase string `json:"phase"`

	FramesWritten     uint64  `json:"frames_written"`
	TotalOutputFrames *uint64 `json:"total_output_frames,omitempty"`
	TotalInputFrames  *uint64 `json:"total_input_frames,omitempty"`

	// Percent is 0-100, or -1 when the output total is unknown.
	Percent float64 `json:"percent"`

	// FPS is the encode throughput since the first frame.
	FPS float64 `json:"fps"`

	// ETA estimates the remaining wall time; zero when unknown.
	ETA time.Duration `json:"eta,omitempty"`

	Error string `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// WatchFunc observes job snapshots. Calls are serialised per job.
type WatchFunc func(Snapshot)

// Tracker owns the live job set.
type Tracker struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	logger *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		jobs:   make(map[string]*Job),
		logger: logger.With("component", "progress"),
	}
}

// NewJobID mints a fresh job identifier.
func NewJobID() string {
	return ulid.Make().String()
}

// Track registers a job and returns its handle. The id must be unused; pass
// NewJobID() unless the caller already has one.
func (t *Tracker) Track(id, label string) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.jobs[id]; ok && !existing.phaseLocked().Finished() {
		return nil, ErrJobExists
	}

	job := &Job{
		id:        id,
		label:     label,
		startedAt: time.Now(),
		watchers:  make(map[string]WatchFunc),
	}
	t.jobs[id] = job

	t.logger.Debug("tracking job", "job_id", id, "label", label)
	return job, nil
}

// Job returns the handle for a tracked job.
func (t *Tracker) Job(id string) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Snapshots lists every tracked job's current state.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Snapshot, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, job.Snapshot())
	}
	return out
}

// Prune drops finished jobs older than the retention window and returns how
// many were removed.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	removed := 0
	for id, job := range t.jobs {
		if job.finishedBefore(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("pruned finished jobs", "count", removed)
	}
	return removed
}

// Job is the mutable progress record of one pipeline run. The phase is
// derived from what flows through the job: frame reports imply running, an
// outcome call pins a terminal phase.
type Job struct {
	mu sync.Mutex

	id    string
	label string

	framesWritten uint64
	totalOutput   *uint64
	totalInput    *uint64

	outcome *Phase
	err     error

	startedAt  time.Time
	firstFrame time.Time
	endedAt    time.Time

	watchers   map[string]WatchFunc
	lastNotify time.Time
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// phase derives the current phase from the recorded counters and outcome.
func (j *Job) phase() Phase {
	if j.outcome != nil {
		return *j.outcome
	}
	if j.framesWritten > 0 {
		return PhaseRunning
	}
	return PhaseCompiling
}

func (j *Job) phaseLocked() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase()
}

func (j *Job) finishedBefore(cutoff time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase().Finished() && !j.endedAt.IsZero() && j.endedAt.Before(cutoff)
}

// SetTotals records the expected frame counts once the probe knows them.
func (j *Job) SetTotals(totalOutput, totalInput *uint64) {
	j.mu.Lock()
	j.totalOutput = cloneU64(totalOutput)
	j.totalInput = cloneU64(totalInput)
	j.mu.Unlock()
}

// RecordFrame counts one encoded frame. The first report moves the job into
// the running phase and anchors the throughput clock.
func (j *Job) RecordFrame(written uint64, totalOutput, totalInput *uint64) {
	j.mu.Lock()
	if j.firstFrame.IsZero() {
		j.firstFrame = time.Now()
	}
	j.framesWritten = written
	if totalOutput != nil {
		j.totalOutput = cloneU64(totalOutput)
	}
	if totalInput != nil {
		j.totalInput = cloneU64(totalInput)
	}
	j.notifyLocked(false)
	j.mu.Unlock()
}

// Finish pins the job's outcome from the run result: cancelled=true is a
// cancellation; otherwise a nil runErr is a clean completion and any other
// error a failure. Watchers always see the final snapshot.
func (j *Job) Finish(runErr error, cancelled bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.outcome != nil {
		return
	}
	phase := PhaseDone
	switch {
	case cancelled:
		phase = PhaseCancelled
	case runErr != nil:
		phase = PhaseFailed
		j.err = runErr
	}
	j.outcome = &phase
	j.endedAt = time.Now()
	j.notifyLocked(true)
}

// Watch registers an observer and returns a removal func. The observer
// immediately receives the current snapshot.
func (j *Job) Watch(fn WatchFunc) func() {
	id := uuid.NewString()
	j.mu.Lock()
	j.watchers[id] = fn
	snapshot := j.snapshotLocked()
	j.mu.Unlock()

	fn(snapshot)
	return func() {
		j.mu.Lock()
		delete(j.watchers, id)
		j.mu.Unlock()
	}
}

// Snapshot returns the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	s := Snapshot{
		JobID:             j.id,
		Label:             j.label,
		Phase:             j.phase().String(),
		FramesWritten:     j.framesWritten,
		TotalOutputFrames: cloneU64(j.totalOutput),
		TotalInputFrames:  cloneU64(j.totalInput),
		Percent:           -1,
		StartedAt:         j.startedAt,
		EndedAt:           j.endedAt,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}

	if j.totalOutput != nil && *j.totalOutput > 0 {
		s.Percent = float64(j.framesWritten) / float64(*j.totalOutput) * 100
		if s.Percent > 100 {
			s.Percent = 100
		}
	}

	if !j.firstFrame.IsZero() && j.framesWritten > 0 {
		elapsed := time.Since(j.firstFrame)
		if j.phase().Finished() && !j.endedAt.IsZero() {
			elapsed = j.endedAt.Sub(j.firstFrame)
		}
		if elapsed > 0 {
			s.FPS = float64(j.framesWritten) / elapsed.Seconds()
		}
		if s.FPS > 0 && j.totalOutput != nil && *j.totalOutput > j.framesWritten && !j.phase().Finished() {
			remaining := *j.totalOutput - j.framesWritten
			s.ETA = time.Duration(float64(remaining) / s.FPS * float64(time.Second))
		}
	}
	return s
}

// notifyLocked fans the current snapshot out to watchers, rate-limited for
// non-final updates.
func (j *Job) notifyLocked(final bool) {
	if len(j.watchers) == 0 {
		return
	}
	now := time.Now()
	if !final && now.Sub(j.lastNotify) < minNotifyInterval {
		return
	}
	j.lastNotify = now

	snapshot := j.snapshotLocked()
	for _, fn := range j.watchers {
		fn(snapshot)
	}
}

// StreamProgress adapts a job to the streaming executor's per-frame
// callback.
func StreamProgress(j *Job) stream.ProgressFunc {
	if j == nil {
		return nil
	}
	return func(current uint64, totalOutput, totalInput *uint64) {
		j.RecordFrame(current, totalOutput, totalInput)
	}
}

func cloneU64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
