// Package jobs implements the background work engine: the job model, the
// registry holding the state machine of every submitted job, and the
// worker pool stepping runnable jobs by priority.
package jobs

import (
	"encoding/json"
	"time"

	"pacsd/pkg/cerrors"
)

// StepCode is the outcome class of one job step.
type StepCode int

const (
	StepSuccess StepCode = iota
	StepContinue
	StepRetry
	StepFailure
)

// StepResult is returned by Job.Step and drives the registry transition.
type StepResult struct {
	Code         StepCode
	RetryTimeout time.Duration
	FailureCode  cerrors.ErrorCode
	Details      string
}

// Success reports the job finished.
func Success() StepResult {
	return StepResult{Code: StepSuccess}
}

// Continue reports more steps remain; the job is re-queued immediately.
func Continue() StepResult {
	return StepResult{Code: StepContinue}
}

// Retry asks to re-run the job after the given delay.
func Retry(timeout time.Duration) StepResult {
	return StepResult{Code: StepRetry, RetryTimeout: timeout}
}

// Failure reports a fatal error; the job reaches its terminal state.
func Failure(code cerrors.ErrorCode, details string) StepResult {
	return StepResult{Code: StepFailure, FailureCode: code, Details: details}
}

// StopReason tells a job why it is being stopped.
type StopReason int

const (
	StopSuccess StopReason = iota
	StopFailure
	StopCanceled
	StopPaused
	StopRetry
)

// Job is one unit of background work. Implementations are driven by a
// single worker at a time; the registry never steps a job concurrently
// with itself.
type Job interface {
	// Start is invoked once, before the first step.
	Start()

	// Step performs one increment of work.
	Step(jobID string) StepResult

	// Reset returns the job to its initial state for a resubmit after
	// failure.
	Reset()

	// Stop tells the job it will not be stepped again for the given
	// reason. Paused jobs may be stepped again after a resume.
	Stop(reason StopReason)

	// Progress reports completion in [0,1].
	Progress() float64

	// TypeTag names the concrete job type for serialization.
	TypeTag() string

	// Serialize returns the JSON body to persist, or false when the job
	// cannot be serialized.
	Serialize() (json.RawMessage, bool)

	// PublicContent returns the user-facing description of the job.
	PublicContent() map[string]interface{}

	// Output returns one named result artifact, or false when absent.
	Output(key string) ([]byte, string, bool)
}

// NoOutput is a helper for jobs without artifacts.
type NoOutput struct{}

// Output always reports absence.
func (NoOutput) Output(key string) ([]byte, string, bool) {
	return nil, "", false
}
