package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"pacsd/pkg/cerrors"
)

// panickingJob blows up on its first step
type panickingJob struct {
	NoOutput
}

func (j *panickingJob) Start() {}

func (j *panickingJob) Step(jobID string) StepResult {
	panic("corrupted state")
}

func (j *panickingJob) Reset() {}

func (j *panickingJob) Stop(reason StopReason) {}

func (j *panickingJob) Progress() float64 { return 0 }

func (j *panickingJob) TypeTag() string { return "Panicking" }

func (j *panickingJob) Serialize() (json.RawMessage, bool) { return nil, false }

func (j *panickingJob) PublicContent() map[string]interface{} { return nil }

// endlessJob yields Continue on every step until stopped
type endlessJob struct {
	NoOutput
}

func (j *endlessJob) Start() {}

func (j *endlessJob) Step(jobID string) StepResult { return Continue() }

func (j *endlessJob) Reset() {}

func (j *endlessJob) Stop(reason StopReason) {}

func (j *endlessJob) Progress() float64 { return 0 }

func (j *endlessJob) TypeTag() string { return "Endless" }

func (j *endlessJob) Serialize() (json.RawMessage, bool) { return nil, false }

func (j *endlessJob) PublicContent() map[string]interface{} { return nil }

// EngineTestSuite runs jobs through the worker pool
type EngineTestSuite struct {
	suite.Suite

	registry *Registry
	engine   *Engine
}

// SetupTest builds a small started engine
func (s *EngineTestSuite) SetupTest() {
	s.registry = NewRegistry(DefaultMaxCompletedJobs)
	s.engine = NewEngine(s.registry, prometheus.NewRegistry())
	s.Require().NoError(s.engine.SetWorkersCount(2))
	s.Require().NoError(s.engine.SetThreadSleep(20 * time.Millisecond))
	s.Require().NoError(s.engine.Start())
}

// TearDownTest joins the workers
func (s *EngineTestSuite) TearDownTest() {
	s.Require().NoError(s.engine.Stop())
}

// TestJobRunsToCompletion verifies multi-step jobs finish
func (s *EngineTestSuite) TestJobRunsToCompletion() {
	job := newScriptedJob(Continue(), Continue(), Success())
	id := s.registry.Submit(job, 0)

	s.Require().True(s.registry.WaitDone(id, 5*time.Second))
	state, _ := s.registry.GetState(id)
	s.Equal(StateSuccess, state)
	s.Equal(3, job.steps)
	s.Contains(job.stops, StopSuccess)
}

// TestRetryIsRescheduled verifies the retry goroutine re-queues jobs
func (s *EngineTestSuite) TestRetryIsRescheduled() {
	job := newScriptedJob(Retry(10*time.Millisecond), Success())
	id := s.registry.Submit(job, 0)

	s.Require().True(s.registry.WaitDone(id, 5*time.Second))
	state, _ := s.registry.GetState(id)
	s.Equal(StateSuccess, state)
}

// TestPanicBecomesFailure verifies a panicking step fails the job, not
// the worker
func (s *EngineTestSuite) TestPanicBecomesFailure() {
	id := s.registry.Submit(&panickingJob{}, 0)

	s.Require().True(s.registry.WaitDone(id, 5*time.Second))
	info, ok := s.registry.GetJobInfo(id)
	s.Require().True(ok)
	s.Equal(StateFailure.String(), info.State)
	s.Equal(int(cerrors.CodeInternalError), info.ErrorCode)
	s.Contains(info.ErrorDetails, "panicked")

	// the pool is still alive
	next := s.registry.Submit(newScriptedJob(Success()), 0)
	s.Require().True(s.registry.WaitDone(next, 5*time.Second))
	state, _ := s.registry.GetState(next)
	s.Equal(StateSuccess, state)
}

// TestCancelDuringRun verifies cancellation lands within the state machine
func (s *EngineTestSuite) TestCancelDuringRun() {
	job := newScriptedJob(Retry(time.Hour))
	id := s.registry.Submit(job, 0)

	// the job parks itself in Retry for an hour; cancel cuts it short
	deadline := time.Now().Add(5 * time.Second)
	for {
		if state, _ := s.registry.GetState(id); state == StateRetry {
			break
		}
		s.Require().True(time.Now().Before(deadline), "job never reached Retry")
		time.Sleep(5 * time.Millisecond)
	}

	s.Require().True(s.registry.Cancel(id))
	s.Require().True(s.registry.WaitDone(id, 5*time.Second))

	info, _ := s.registry.GetJobInfo(id)
	s.Equal(int(cerrors.CodeCanceledJob), info.ErrorCode)
}

// awaitState polls until the job reaches the wanted state
func (s *EngineTestSuite) awaitState(id string, want JobState) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		if state, _ := s.registry.GetState(id); state == want {
			return
		}
		s.Require().True(time.Now().Before(deadline), "job never reached %s", want)
		time.Sleep(5 * time.Millisecond)
	}
}

// TestCancelInterruptsSteppingJob verifies cancel lands while a worker
// keeps stepping a job that always yields Continue
func (s *EngineTestSuite) TestCancelInterruptsSteppingJob() {
	id := s.registry.Submit(&endlessJob{}, 0)
	s.awaitState(id, StateRunning)

	s.Require().True(s.registry.Cancel(id))
	s.Require().True(s.registry.WaitDone(id, 5*time.Second))

	info, ok := s.registry.GetJobInfo(id)
	s.Require().True(ok)
	s.Equal(int(cerrors.CodeCanceledJob), info.ErrorCode)
}

// TestPauseInterruptsSteppingJob verifies pause lands while a worker
// keeps stepping a job that always yields Continue
func (s *EngineTestSuite) TestPauseInterruptsSteppingJob() {
	id := s.registry.Submit(&endlessJob{}, 0)
	s.awaitState(id, StateRunning)

	s.Require().True(s.registry.Pause(id))
	s.awaitState(id, StatePaused)
}

// TestSubmitAndWait verifies the blocking submission helper
func (s *EngineTestSuite) TestSubmitAndWait() {
	id, err := s.engine.SubmitAndWait(newScriptedJob(Continue(), Success()), 0, 5*time.Second)
	s.Require().NoError(err)
	state, _ := s.registry.GetState(id)
	s.Equal(StateSuccess, state)

	_, err = s.engine.SubmitAndWait(
		newScriptedJob(Failure(cerrors.CodeUnknownResource, "missing")), 0, 5*time.Second)
	s.Require().Error(err)
	s.Equal(cerrors.CodeUnknownResource, cerrors.CodeOf(err))
}

// TestDoubleStartRejected verifies the lifecycle guards
func (s *EngineTestSuite) TestDoubleStartRejected() {
	err := s.engine.Start()
	s.Require().Error(err)
	s.Equal(cerrors.CodeBadSequenceOfCalls, cerrors.CodeOf(err))

	err = s.engine.SetWorkersCount(4)
	s.Require().Error(err)
	s.Equal(cerrors.CodeBadSequenceOfCalls, cerrors.CodeOf(err))
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
