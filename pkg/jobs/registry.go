package jobs

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/log"
)

// JobState is the registry-side state of a job.
type JobState int

const (
	StatePending JobState = iota
	StateRunning
	StateSuccess
	StateFailure
	StateRetry
	StatePaused
)

// String returns the wire name of the state.
func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateRunning:
		return "Running"
	case StateSuccess:
		return "Success"
	case StateFailure:
		return "Failure"
	case StateRetry:
		return "Retry"
	case StatePaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// ParseJobState is the inverse of String.
func ParseJobState(value string) (JobState, error) {
	for _, state := range []JobState{
		StatePending, StateRunning, StateSuccess,
		StateFailure, StateRetry, StatePaused,
	} {
		if state.String() == value {
			return state, nil
		}
	}
	return 0, cerrors.Newf(cerrors.CodeParameterOutOfRange, "unknown job state %q", value)
}

// IsTerminal reports whether no further transition can occur except
// resubmit.
func (s JobState) IsTerminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Observer receives registry transitions, typically to wake long-poll
// HTTP handlers.
type Observer interface {
	SignalJobSubmitted(id string)
	SignalJobSuccess(id string)
	SignalJobFailure(id string)
}

// JobInfo is the public snapshot of one job.
type JobInfo struct {
	ID              string                 `json:"ID"`
	Type            string                 `json:"Type"`
	State           string                 `json:"State"`
	Priority        int                    `json:"Priority"`
	Progress        float64                `json:"Progress"`
	Content         map[string]interface{} `json:"Content,omitempty"`
	CreationTime    time.Time              `json:"CreationTime"`
	LastStateChange time.Time              `json:"Timestamp"`
	ErrorCode       int                    `json:"ErrorCode"`
	ErrorDetails    string                 `json:"ErrorDetails,omitempty"`
}

type record struct {
	id              string
	job             Job
	state           JobState
	priority        int
	sequence        uint64
	creationTime    time.Time
	lastStateChange time.Time
	completionTime  time.Time
	errorCode       cerrors.ErrorCode
	errorDetails    string
	retryAfter      time.Time
	cancelScheduled bool
	pauseScheduled  bool
	enqueued        bool
}

// pendingHeap orders runnable jobs: higher priority first, then creation
// order.
type pendingHeap []*record

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].sequence < h[j].sequence
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(*record)) }

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Registry holds every submitted job and implements the state machine.
// All public methods are safe for concurrent use; a single mutex guards
// the whole structure.
type Registry struct {
	mu            sync.Mutex
	wake          chan struct{}
	records       map[string]*record
	pending       pendingHeap
	completed     []*record
	sequence      uint64
	maxCompleted  int
	observers     []Observer
	unserializers map[string]Unserializer
}

// DefaultMaxCompletedJobs bounds the terminal records kept for inspection.
const DefaultMaxCompletedJobs = 10

// NewRegistry creates an empty registry keeping at most maxCompleted
// terminal jobs.
func NewRegistry(maxCompleted int) *Registry {
	if maxCompleted < 1 {
		maxCompleted = DefaultMaxCompletedJobs
	}
	return &Registry{
		wake:          make(chan struct{}),
		records:       make(map[string]*record),
		maxCompleted:  maxCompleted,
		unserializers: make(map[string]Unserializer),
	}
}

// AddObserver registers a transition listener.
func (r *Registry) AddObserver(observer Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observer)
}

// SetMaxCompletedJobs changes the completed-record bound and evicts
// immediately if needed.
func (r *Registry) SetMaxCompletedJobs(max int) {
	if max < 1 {
		max = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxCompleted = max
	r.evictCompleted()
}

// broadcast wakes every waiter. Callers hold the mutex.
func (r *Registry) broadcast() {
	close(r.wake)
	r.wake = make(chan struct{})
}

func (r *Registry) enqueue(rec *record) {
	if rec.enqueued {
		return
	}
	rec.enqueued = true
	heap.Push(&r.pending, rec)
}

// evictCompleted drops the oldest terminal records beyond the bound.
// Callers hold the mutex.
func (r *Registry) evictCompleted() {
	for len(r.completed) > r.maxCompleted {
		oldest := r.completed[0]
		r.completed = r.completed[1:]
		delete(r.records, oldest.id)
		log.Debug().Str("job", oldest.id).Msg("Evicting completed job")
	}
}

// markTerminal moves a record to Success or Failure. Callers hold the
// mutex; the returned closure notifies observers and must run unlocked.
func (r *Registry) markTerminal(rec *record, state JobState, code cerrors.ErrorCode, details string) func() {
	now := time.Now()
	rec.state = state
	rec.errorCode = code
	rec.errorDetails = details
	rec.lastStateChange = now
	rec.completionTime = now
	rec.cancelScheduled = false
	rec.pauseScheduled = false
	// A stale heap entry may remain; the dispatcher skips it by state.
	rec.enqueued = false
	r.completed = append(r.completed, rec)
	r.evictCompleted()
	r.broadcast()

	observers := append([]Observer{}, r.observers...)
	id := rec.id
	if state == StateSuccess {
		return func() {
			for _, o := range observers {
				o.SignalJobSuccess(id)
			}
		}
	}
	return func() {
		for _, o := range observers {
			o.SignalJobFailure(id)
		}
	}
}

// Submit registers a job and returns its id. Higher priority values are
// dispatched first.
func (r *Registry) Submit(job Job, priority int) string {
	id := uuid.NewString()

	job.Start()

	r.mu.Lock()
	r.sequence++
	now := time.Now()
	rec := &record{
		id:              id,
		job:             job,
		state:           StatePending,
		priority:        priority,
		sequence:        r.sequence,
		creationTime:    now,
		lastStateChange: now,
	}
	r.records[id] = rec
	r.enqueue(rec)
	r.broadcast()
	observers := append([]Observer{}, r.observers...)
	r.mu.Unlock()

	log.Info().Str("job", id).Str("type", job.TypeTag()).Int("priority", priority).Msg("Job submitted")
	for _, o := range observers {
		o.SignalJobSubmitted(id)
	}
	return id
}

// GetState returns the current state of a job.
func (r *Registry) GetState(id string) (JobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return 0, false
	}
	return rec.state, true
}

// GetJobInfo returns the public snapshot of a job.
func (r *Registry) GetJobInfo(id string) (JobInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return JobInfo{}, false
	}
	return r.infoOf(rec), true
}

// infoOf builds a JobInfo. Callers hold the mutex.
func (r *Registry) infoOf(rec *record) JobInfo {
	return JobInfo{
		ID:              rec.id,
		Type:            rec.job.TypeTag(),
		State:           rec.state.String(),
		Priority:        rec.priority,
		Progress:        rec.job.Progress(),
		Content:         rec.job.PublicContent(),
		CreationTime:    rec.creationTime,
		LastStateChange: rec.lastStateChange,
		ErrorCode:       int(rec.errorCode),
		ErrorDetails:    rec.errorDetails,
	}
}

// ListJobs returns every known job id in creation order.
func (r *Registry) ListJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].sequence < recs[j].sequence })

	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.id
	}
	return ids
}

// GetJobOutput returns one artifact of a terminal job.
func (r *Registry) GetJobOutput(id, key string) ([]byte, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, "", false
	}
	return rec.job.Output(key)
}

// Cancel aborts a job. Pending, Retry and Paused jobs fail immediately;
// Running jobs fail when their current step completes. Canceling a
// terminal job is a no-op. Returns false for unknown ids.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	var notify func()
	switch rec.state {
	case StateRunning:
		rec.cancelScheduled = true
	case StatePending, StateRetry, StatePaused:
		rec.job.Stop(StopCanceled)
		notify = r.markTerminal(rec, StateFailure, cerrors.CodeCanceledJob, "")
	}
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
	log.Info().Str("job", id).Msg("Job canceled")
	return true
}

// Pause suspends a job. Running jobs pause when their current step
// completes. Returns false for unknown or terminal jobs.
func (r *Registry) Pause(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.state.IsTerminal() {
		return false
	}

	switch rec.state {
	case StateRunning:
		rec.pauseScheduled = true
	case StatePending, StateRetry:
		rec.job.Stop(StopPaused)
		rec.state = StatePaused
		rec.enqueued = false
		rec.lastStateChange = time.Now()
		r.broadcast()
	}
	return true
}

// Resume puts a paused job back in the queue. Returns false unless the
// job is Paused.
func (r *Registry) Resume(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.state != StatePaused {
		return false
	}

	rec.state = StatePending
	rec.lastStateChange = time.Now()
	r.enqueue(rec)
	r.broadcast()
	return true
}

// Resubmit re-queues a failed job from scratch. Resubmitting a successful
// job is a no-op. Returns false for unknown or non-terminal jobs.
func (r *Registry) Resubmit(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	switch rec.state {
	case StateSuccess:
		return true
	case StateFailure:
	default:
		return false
	}

	rec.job.Reset()
	rec.state = StatePending
	rec.errorCode = cerrors.CodeSuccess
	rec.errorDetails = ""
	rec.lastStateChange = time.Now()
	for i, c := range r.completed {
		if c == rec {
			r.completed = append(r.completed[:i], r.completed[i+1:]...)
			break
		}
	}
	r.enqueue(rec)
	r.broadcast()
	return true
}

// ScheduleRetries moves every due Retry job back to Pending. Invoked
// periodically by the engine's retry goroutine.
func (r *Registry) ScheduleRetries() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	moved := false
	for _, rec := range r.records {
		if rec.state == StateRetry && !rec.retryAfter.After(now) {
			rec.state = StatePending
			rec.lastStateChange = now
			r.enqueue(rec)
			moved = true
		}
	}
	if moved {
		r.broadcast()
	}
}

// WaitDone blocks until the job reaches a terminal state or the timeout
// elapses; timeout <= 0 blocks forever. Ids evicted after completion (and
// never-known ids) report true.
func (r *Registry) WaitDone(id string, timeout time.Duration) bool {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		r.mu.Lock()
		rec, ok := r.records[id]
		if !ok || rec.state.IsTerminal() {
			r.mu.Unlock()
			return true
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return false
		}
	}
}

// RunningJob is the slot handle held by a worker for one step. Release it
// with Done exactly once.
type RunningJob struct {
	registry *Registry
	record   *record
	released bool
}

// ID returns the job id.
func (s *RunningJob) ID() string {
	return s.record.id
}

// Job returns the underlying job for stepping.
func (s *RunningJob) Job() Job {
	return s.record.job
}

// InterruptScheduled reports whether a cancel or pause landed while the
// job is running, so a worker stops stepping and lets Done commit it.
func (s *RunningJob) InterruptScheduled() bool {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	return s.record.cancelScheduled || s.record.pauseScheduled
}

// AcquireRunningSlot pops the highest-priority Pending job and marks it
// Running. Blocks up to timeout (forever when <= 0); returns false on
// timeout.
func (r *Registry) AcquireRunningSlot(timeout time.Duration) (*RunningJob, bool) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		r.mu.Lock()
		for r.pending.Len() > 0 {
			rec := heap.Pop(&r.pending).(*record)
			if !rec.enqueued || rec.state != StatePending {
				// Stale heap entry left behind by a pause or cancel.
				continue
			}
			rec.enqueued = false
			rec.state = StateRunning
			rec.lastStateChange = time.Now()
			r.mu.Unlock()
			return &RunningJob{registry: r, record: rec}, true
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return nil, false
		}
	}
}

// Done commits the outcome of the step, honoring any cancel or pause
// scheduled while the step ran.
func (s *RunningJob) Done(result StepResult) {
	if s.released {
		return
	}
	s.released = true

	r := s.registry
	rec := s.record

	r.mu.Lock()
	var notify func()
	switch {
	case rec.cancelScheduled:
		rec.job.Stop(StopCanceled)
		notify = r.markTerminal(rec, StateFailure, cerrors.CodeCanceledJob, "")
	case rec.pauseScheduled:
		rec.job.Stop(StopPaused)
		rec.pauseScheduled = false
		rec.state = StatePaused
		rec.lastStateChange = time.Now()
		r.broadcast()
	default:
		switch result.Code {
		case StepSuccess:
			rec.job.Stop(StopSuccess)
			notify = r.markTerminal(rec, StateSuccess, cerrors.CodeSuccess, "")
		case StepContinue:
			rec.state = StatePending
			rec.lastStateChange = time.Now()
			r.enqueue(rec)
			r.broadcast()
		case StepRetry:
			rec.job.Stop(StopRetry)
			rec.state = StateRetry
			rec.retryAfter = time.Now().Add(result.RetryTimeout)
			rec.lastStateChange = time.Now()
			r.broadcast()
		case StepFailure:
			rec.job.Stop(StopFailure)
			notify = r.markTerminal(rec, StateFailure, result.FailureCode, result.Details)
		}
	}
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// String summarizes the registry for logs.
func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("registry: %d jobs, %d pending, %d completed",
		len(r.records), r.pending.Len(), len(r.completed))
}
