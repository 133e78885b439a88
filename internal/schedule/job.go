package schedule

import (
	"sync"
	"time"

	"ngalert/internal/models"
)

// Job is one scheduled evaluation of a rule.
// Params: rule snapshot, cadence offset, evaluation instant and shared run guard.
// Returns: unit handed to evaluation workers.
type Job struct {
	Rule     models.AlertRule
	Offset   int64
	EvalTime time.Time

	guard *runGuard
}

// runGuard allows one active evaluation per rule; shared by every job of the rule.
type runGuard struct {
	sem chan struct{}

	mu     sync.Mutex
	result JobResult
}

func newRunGuard() *runGuard {
	return &runGuard{sem: make(chan struct{}, 1)}
}

// newJob creates job for rule evaluated at instant.
// Params: rule, evaluation instant and run guard (nil creates private guard).
// Returns: job with offset of max(1, interval seconds).
func newJob(rule models.AlertRule, at time.Time, guard *runGuard) *Job {
	if guard == nil {
		guard = newRunGuard()
	}
	offset := rule.IntervalSeconds
	if offset < 1 {
		offset = 1
	}
	return &Job{Rule: rule, Offset: offset, EvalTime: at, guard: guard}
}

// TryStart marks job running without blocking.
// Params: none.
// Returns: false when another job of the same rule is running.
func (j *Job) TryStart() bool {
	select {
	case j.guard.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Finish marks job idle.
// Params: none.
// Returns: none.
func (j *Job) Finish() {
	select {
	case <-j.guard.sem:
	default:
	}
}

// Running reports whether a job of the rule is active.
// Params: none.
// Returns: running flag.
func (j *Job) Running() bool {
	return len(j.guard.sem) == 1
}

// SetRunning sets running flag; true only succeeds when idle.
// Params: desired flag.
// Returns: none.
func (j *Job) SetRunning(running bool) {
	if running {
		j.TryStart()
		return
	}
	j.Finish()
}

// GetRunning reads running flag.
// Params: none.
// Returns: running flag.
func (j *Job) GetRunning() bool {
	return j.Running()
}

// LastResult returns latest finished result of the rule.
// Params: none.
// Returns: job result, zero before first run.
func (j *Job) LastResult() JobResult {
	j.guard.mu.Lock()
	defer j.guard.mu.Unlock()
	return j.guard.result
}

func (j *Job) setResult(result JobResult) {
	j.guard.mu.Lock()
	defer j.guard.mu.Unlock()
	j.guard.result = result
}
