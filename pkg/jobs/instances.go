package jobs

import (
	"encoding/json"
	"sort"
	"sync"

	"pacsd/pkg/cerrors"
)

// InstanceProcessor is the per-instance work of a SetOfInstancesJob.
type InstanceProcessor interface {
	// HandleInstance processes one instance public id.
	HandleInstance(jobID, instance string) error

	// HandleTrailingStep runs once after every instance, when enabled.
	HandleTrailingStep(jobID string) error
}

// SetOfInstancesJob applies a processor to a list of instance public ids,
// one per step, tracking which instances failed. An optional trailing
// step runs after the last instance.
type SetOfInstancesJob struct {
	NoOutput

	mu          sync.Mutex
	processor   InstanceProcessor
	instances   []string
	position    int
	permissive  bool
	trailing    bool
	description string
	started     bool
	failed      map[string]struct{}
}

// NewSetOfInstancesJob creates an empty job over the given processor.
func NewSetOfInstancesJob(processor InstanceProcessor, permissive, trailing bool) *SetOfInstancesJob {
	return &SetOfInstancesJob{
		processor:  processor,
		permissive: permissive,
		trailing:   trailing,
		failed:     make(map[string]struct{}),
	}
}

// AddInstance appends one instance public id. Only valid before start.
func (j *SetOfInstancesJob) AddInstance(instance string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return cerrors.New(cerrors.CodeBadSequenceOfCalls, "job already started")
	}
	j.instances = append(j.instances, instance)
	return nil
}

// SetDescription sets the user-facing description.
func (j *SetOfInstancesJob) SetDescription(description string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.description = description
}

// Instances returns the instance list.
func (j *SetOfInstancesJob) Instances() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string{}, j.instances...)
}

// FailedInstances returns the instances that failed, sorted.
func (j *SetOfInstancesJob) FailedInstances() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	failed := make([]string, 0, len(j.failed))
	for instance := range j.failed {
		failed = append(failed, instance)
	}
	sort.Strings(failed)
	return failed
}

// stepCount includes the trailing step when enabled.
func (j *SetOfInstancesJob) stepCount() int {
	count := len(j.instances)
	if j.trailing {
		count++
	}
	return count
}

// Start marks the instance list final.
func (j *SetOfInstancesJob) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = true
}

// Step processes the next instance, or the trailing step after the last.
func (j *SetOfInstancesJob) Step(jobID string) StepResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	total := j.stepCount()
	if j.position >= total {
		return Success()
	}

	if j.position < len(j.instances) {
		instance := j.instances[j.position]
		if err := j.processor.HandleInstance(jobID, instance); err != nil {
			j.failed[instance] = struct{}{}
			if !j.permissive {
				return Failure(cerrors.CodeOf(err), err.Error())
			}
		}
	} else {
		if err := j.processor.HandleTrailingStep(jobID); err != nil {
			return Failure(cerrors.CodeOf(err), err.Error())
		}
	}

	j.position++
	if j.position >= total {
		return Success()
	}
	return Continue()
}

// Reset rewinds the job for a resubmit.
func (j *SetOfInstancesJob) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.position = 0
	j.failed = make(map[string]struct{})
}

// Stop is a no-op.
func (j *SetOfInstancesJob) Stop(reason StopReason) {}

// Progress reports completed steps over the total.
func (j *SetOfInstancesJob) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	total := j.stepCount()
	if total == 0 {
		return 1
	}
	return float64(j.position) / float64(total)
}

// TypeTag names the generic shape; concrete jobs shadow it.
func (j *SetOfInstancesJob) TypeTag() string {
	return "SetOfInstancesJob"
}

// instancesState is the serializable position of the job; the processor
// itself is rebuilt by the concrete type's unserializer.
type instancesState struct {
	Instances       []string `json:"Instances"`
	Position        int      `json:"Position"`
	FailedInstances []string `json:"FailedInstances"`
	Permissive      bool     `json:"Permissive"`
	TrailingStep    bool     `json:"TrailingStep"`
	Description     string   `json:"Description,omitempty"`
}

// Serialize persists the instance list and position.
func (j *SetOfInstancesJob) Serialize() (json.RawMessage, bool) {
	j.mu.Lock()
	state := instancesState{
		Instances:       append([]string{}, j.instances...),
		Position:        j.position,
		Permissive:      j.permissive,
		TrailingStep:    j.trailing,
		Description:     j.description,
		FailedInstances: []string{},
	}
	for instance := range j.failed {
		state.FailedInstances = append(state.FailedInstances, instance)
	}
	j.mu.Unlock()
	sort.Strings(state.FailedInstances)

	body, err := json.Marshal(state)
	if err != nil {
		return nil, false
	}
	return body, true
}

// RestoreSetOfInstancesJob rebuilds a job from a Serialize body and a
// fresh processor.
func RestoreSetOfInstancesJob(body json.RawMessage, processor InstanceProcessor) (*SetOfInstancesJob, error) {
	var state instancesState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, cerrors.Wrap(cerrors.CodeBadFileFormat, err)
	}

	job := NewSetOfInstancesJob(processor, state.Permissive, state.TrailingStep)
	job.instances = state.Instances
	job.position = state.Position
	job.description = state.Description
	for _, instance := range state.FailedInstances {
		job.failed[instance] = struct{}{}
	}
	return job, nil
}

// PublicContent describes the job for the API.
func (j *SetOfInstancesJob) PublicContent() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	content := map[string]interface{}{
		"InstancesCount":       len(j.instances),
		"FailedInstancesCount": len(j.failed),
	}
	if j.description != "" {
		content["Description"] = j.description
	}
	return content
}
