package jobs

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/log"
)

// DefaultTick is how long a worker blocks on the queue before re-checking
// the stop flag.
const DefaultTick = 100 * time.Millisecond

// DefaultThreadSleep is the period of the retry scheduler.
const DefaultThreadSleep = 200 * time.Millisecond

// Engine owns one registry and the worker pool stepping its jobs.
type Engine struct {
	registry    *Registry
	workers     int
	tick        time.Duration
	threadSleep time.Duration

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	stepsTotal    *prometheus.CounterVec
	activeWorkers prometheus.Gauge
}

// NewEngine creates a stopped engine. The worker count defaults to the
// CPU count, at least one. Metrics are registered on reg when non-nil.
func NewEngine(registry *Registry, reg prometheus.Registerer) *Engine {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}

	e := &Engine{
		registry:    registry,
		workers:     workers,
		tick:        DefaultTick,
		threadSleep: DefaultThreadSleep,
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pacsd_job_steps_total",
			Help: "Job steps executed, by outcome.",
		}, []string{"outcome"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pacsd_job_workers_busy",
			Help: "Workers currently stepping a job.",
		}),
	}

	if reg != nil {
		reg.MustRegister(e.stepsTotal, e.activeWorkers)
	}
	return e
}

// Registry returns the engine's registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// SubmitAndWait submits a job and blocks until it reaches a terminal
// state. A failed job surfaces as its recorded error; timeout <= 0
// blocks forever.
func (e *Engine) SubmitAndWait(job Job, priority int, timeout time.Duration) (string, error) {
	id := e.registry.Submit(job, priority)
	if !e.registry.WaitDone(id, timeout) {
		return id, cerrors.Newf(cerrors.CodeInternalError, "job %s still running after %s", id, timeout)
	}

	info, ok := e.registry.GetJobInfo(id)
	if !ok {
		// Evicted from the completed history; the job did finish.
		return id, nil
	}
	if info.State == StateFailure.String() {
		return id, cerrors.New(cerrors.ErrorCode(info.ErrorCode), info.ErrorDetails)
	}
	return id, nil
}

// SetWorkersCount overrides the pool size. Only valid while stopped.
func (e *Engine) SetWorkersCount(n int) error {
	if e.running.Load() {
		return cerrors.New(cerrors.CodeBadSequenceOfCalls, "engine is running")
	}
	if n < 1 {
		n = 1
	}
	e.workers = n
	return nil
}

// SetThreadSleep overrides the retry scheduler period. Only valid while
// stopped.
func (e *Engine) SetThreadSleep(d time.Duration) error {
	if e.running.Load() {
		return cerrors.New(cerrors.CodeBadSequenceOfCalls, "engine is running")
	}
	if d <= 0 {
		d = DefaultThreadSleep
	}
	e.threadSleep = d
	return nil
}

// Start launches the workers and the retry scheduler.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return cerrors.New(cerrors.CodeBadSequenceOfCalls, "engine already started")
	}

	e.stop = make(chan struct{})

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.retryScheduler()

	log.Info().Int("workers", e.workers).Msg("Jobs engine started")
	return nil
}

// Stop flips the stop flag and joins every worker. Jobs in flight finish
// their current step.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return cerrors.New(cerrors.CodeBadSequenceOfCalls, "engine is not running")
	}

	close(e.stop)
	e.wg.Wait()

	log.Info().Msg("Jobs engine stopped")
	return nil
}

// retryScheduler periodically moves due Retry jobs back to Pending.
func (e *Engine) retryScheduler() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.threadSleep)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.registry.ScheduleRetries()
		}
	}
}

// worker is the pool body: acquire a runnable job, step it until it
// yields, commit the outcome.
func (e *Engine) worker(index int) {
	defer e.wg.Done()

	logger := log.With(fmt.Sprintf("worker-%d", index))

	for e.running.Load() {
		slot, ok := e.registry.AcquireRunningSlot(e.tick)
		if !ok {
			continue
		}

		logger.Debug().Str("job", slot.ID()).Msg("Stepping job")
		e.activeWorkers.Inc()

		var result StepResult
		for {
			result = e.step(slot)
			e.stepsTotal.WithLabelValues(outcomeLabel(result.Code)).Inc()
			if result.Code != StepContinue || !e.running.Load() || slot.InterruptScheduled() {
				break
			}
		}

		e.activeWorkers.Dec()
		slot.Done(result)
	}
}

// step runs one job step, translating a panic into a failure so a broken
// job can never kill a worker.
func (e *Engine) step(slot *RunningJob) (result StepResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error().Str("job", slot.ID()).
				Interface("panic", recovered).Msg("Job step panicked")
			result = Failure(cerrors.CodeInternalError,
				fmt.Sprintf("job step panicked: %v", recovered))
		}
	}()

	return slot.Job().Step(slot.ID())
}

func outcomeLabel(code StepCode) string {
	switch code {
	case StepSuccess:
		return "success"
	case StepContinue:
		return "continue"
	case StepRetry:
		return "retry"
	default:
		return "failure"
	}
}
