package jobs

import (
	"encoding/json"
	"sync"

	"pacsd/pkg/cerrors"
)

// Command is one unit of a SetOfCommandsJob.
type Command interface {
	Execute(jobID string) error
}

// SetOfCommandsJob runs an ordered list of commands, one per step. In
// strict mode the first failing command fails the job; in permissive mode
// failures are recorded and the job carries on.
type SetOfCommandsJob struct {
	NoOutput

	mu          sync.Mutex
	commands    []Command
	position    int
	permissive  bool
	description string
	started     bool
	failures    int
}

// NewSetOfCommandsJob creates an empty job.
func NewSetOfCommandsJob(permissive bool) *SetOfCommandsJob {
	return &SetOfCommandsJob{permissive: permissive}
}

// AddCommand appends a command. Only valid before the job starts.
func (j *SetOfCommandsJob) AddCommand(command Command) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return cerrors.New(cerrors.CodeBadSequenceOfCalls, "job already started")
	}
	j.commands = append(j.commands, command)
	return nil
}

// SetDescription sets the user-facing description.
func (j *SetOfCommandsJob) SetDescription(description string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.description = description
}

// Description returns the user-facing description.
func (j *SetOfCommandsJob) Description() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.description
}

// Position returns the index of the next command to run.
func (j *SetOfCommandsJob) Position() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.position
}

// CommandCount returns the number of commands.
func (j *SetOfCommandsJob) CommandCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.commands)
}

// FailureCount returns the commands that failed so far (permissive mode).
func (j *SetOfCommandsJob) FailureCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failures
}

// Start marks the command list final.
func (j *SetOfCommandsJob) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = true
}

// Step executes the next command.
func (j *SetOfCommandsJob) Step(jobID string) StepResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.position >= len(j.commands) {
		return Success()
	}

	if err := j.commands[j.position].Execute(jobID); err != nil {
		if !j.permissive {
			return Failure(cerrors.CodeOf(err), err.Error())
		}
		j.failures++
	}

	j.position++
	if j.position >= len(j.commands) {
		return Success()
	}
	return Continue()
}

// Reset rewinds the job for a resubmit.
func (j *SetOfCommandsJob) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.position = 0
	j.failures = 0
}

// Stop is a no-op; commands are stateless between steps.
func (j *SetOfCommandsJob) Stop(reason StopReason) {}

// Progress reports position over command count.
func (j *SetOfCommandsJob) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.commands) == 0 {
		return 1
	}
	return float64(j.position) / float64(len(j.commands))
}

// TypeTag names the generic shape; concrete jobs embedding this type
// shadow it.
func (j *SetOfCommandsJob) TypeTag() string {
	return "SetOfCommandsJob"
}

// Serialize reports false: commands are arbitrary closures. Concrete
// embedders persist their own parameters.
func (j *SetOfCommandsJob) Serialize() (json.RawMessage, bool) {
	return nil, false
}

// PublicContent describes the job for the API.
func (j *SetOfCommandsJob) PublicContent() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	content := map[string]interface{}{
		"CommandsCount": len(j.commands),
		"Position":      j.position,
	}
	if j.description != "" {
		content["Description"] = j.description
	}
	return content
}
