package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/log"
)

// registryTypeTag marks a registry snapshot document.
const registryTypeTag = "JobsRegistry"

// Unserializer rebuilds one job from its persisted body.
type Unserializer func(body json.RawMessage) (Job, error)

// RegisterUnserializer installs the factory for one job type tag. Must be
// called before Restore.
func (r *Registry) RegisterUnserializer(typeTag string, fn Unserializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unserializers[typeTag] = fn
}

type jobSnapshot struct {
	Type                string           `json:"Type"`
	State               string           `json:"State"`
	Priority            int              `json:"Priority"`
	Progress            float64          `json:"Progress"`
	ErrorCode           int              `json:"ErrorCode"`
	ErrorDetails        string           `json:"ErrorDetails,omitempty"`
	CreationTime        string           `json:"CreationTime"`
	LastStateChangeTime string           `json:"LastStateChangeTime"`
	Job                 *json.RawMessage `json:"Job"`
}

type registrySnapshot struct {
	Type      string                 `json:"Type"`
	Jobs      map[string]jobSnapshot `json:"Jobs"`
	JobsIndex []string               `json:"JobsIndex"`
}

// Serialize renders the full registry state to one JSON document. Jobs
// whose body cannot serialize are stored with a null body.
func (r *Registry) Serialize() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := registrySnapshot{
		Type: registryTypeTag,
		Jobs: make(map[string]jobSnapshot, len(r.records)),
	}

	for _, id := range r.sortedIDs() {
		rec := r.records[id]

		entry := jobSnapshot{
			Type:                rec.job.TypeTag(),
			State:               rec.state.String(),
			Priority:            rec.priority,
			Progress:            rec.job.Progress(),
			ErrorCode:           int(rec.errorCode),
			ErrorDetails:        rec.errorDetails,
			CreationTime:        rec.creationTime.Format(time.RFC3339Nano),
			LastStateChangeTime: rec.lastStateChange.Format(time.RFC3339Nano),
		}
		if body, ok := rec.job.Serialize(); ok {
			raw := json.RawMessage(body)
			entry.Job = &raw
		} else {
			log.Warn().Str("job", id).Str("type", entry.Type).Msg("Job body is not serializable")
		}

		snapshot.Jobs[id] = entry
		snapshot.JobsIndex = append(snapshot.JobsIndex, id)
	}

	return json.Marshal(snapshot)
}

// sortedIDs returns the job ids in creation order. Callers hold the mutex.
func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && r.records[ids[j-1]].sequence > r.records[ids[j]].sequence; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// unserializedJob stands in for a job whose body was not persisted. It
// keeps the recorded progress and type, and fails if ever stepped.
type unserializedJob struct {
	NoOutput
	typeTag  string
	progress float64
}

func (j *unserializedJob) Start() {}

func (j *unserializedJob) Step(jobID string) StepResult {
	return Failure(cerrors.CodeInternalError, "job body was lost across restarts")
}

func (j *unserializedJob) Reset() {}

func (j *unserializedJob) Stop(reason StopReason) {}

func (j *unserializedJob) Progress() float64 {
	return j.progress
}

func (j *unserializedJob) TypeTag() string {
	return j.typeTag
}

func (j *unserializedJob) Serialize() (json.RawMessage, bool) {
	return nil, false
}

func (j *unserializedJob) PublicContent() map[string]interface{} {
	return map[string]interface{}{}
}

// Restore rebuilds the registry from a Serialize document. Jobs that were
// Running become Pending again; Running jobs persisted with a null body
// become Failure. Retry jobs re-enter the queue immediately.
func (r *Registry) Restore(data []byte) error {
	var snapshot registrySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return cerrors.Wrap(cerrors.CodeBadFileFormat, err)
	}
	if snapshot.Type != registryTypeTag {
		return cerrors.Newf(cerrors.CodeBadFileFormat,
			"jobs snapshot has type %q", snapshot.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range snapshot.JobsIndex {
		entry, ok := snapshot.Jobs[id]
		if !ok {
			return cerrors.Newf(cerrors.CodeBadFileFormat,
				"jobs snapshot index references unknown job %q", id)
		}

		state, err := ParseJobState(entry.State)
		if err != nil {
			return err
		}

		var job Job
		if entry.Job != nil {
			unserializer, ok := r.unserializers[entry.Type]
			if !ok {
				return cerrors.Newf(cerrors.CodeBadFileFormat,
					"no unserializer for job type %q", entry.Type)
			}
			job, err = unserializer(*entry.Job)
			if err != nil {
				return cerrors.Wrap(cerrors.CodeBadFileFormat,
					fmt.Errorf("cannot rebuild job %s: %w", id, err))
			}
		} else {
			job = &unserializedJob{typeTag: entry.Type, progress: entry.Progress}
		}

		creation, err := time.Parse(time.RFC3339Nano, entry.CreationTime)
		if err != nil {
			creation = time.Now()
		}
		lastChange, err := time.Parse(time.RFC3339Nano, entry.LastStateChangeTime)
		if err != nil {
			lastChange = creation
		}

		r.sequence++
		rec := &record{
			id:              id,
			job:             job,
			priority:        entry.Priority,
			sequence:        r.sequence,
			creationTime:    creation,
			lastStateChange: lastChange,
			errorCode:       cerrors.ErrorCode(entry.ErrorCode),
			errorDetails:    entry.ErrorDetails,
		}
		r.records[id] = rec

		switch state {
		case StateRunning:
			if entry.Job == nil {
				rec.state = StateFailure
				rec.errorCode = cerrors.CodeInternalError
				rec.errorDetails = "job body was lost across restarts"
				rec.completionTime = time.Now()
				r.completed = append(r.completed, rec)
			} else {
				rec.state = StatePending
				r.enqueue(rec)
			}
		case StatePending, StateRetry:
			rec.state = StatePending
			r.enqueue(rec)
		case StatePaused:
			rec.state = StatePaused
		case StateSuccess, StateFailure:
			rec.state = state
			rec.completionTime = lastChange
			r.completed = append(r.completed, rec)
		}

		log.Info().Str("job", id).Str("type", entry.Type).
			Str("state", rec.state.String()).Msg("Job restored")
	}

	r.evictCompleted()
	r.broadcast()
	return nil
}
