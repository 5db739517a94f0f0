package archive

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/jobs"
	"pacsd/pkg/log"
	"pacsd/pkg/scu"
)

// DeleteResourceOperation removes the resource named by each incoming
// string value. It produces no outputs.
type DeleteResourceOperation struct {
	Service *Service
}

// Apply implements jobs.Operation.
func (o *DeleteResourceOperation) Apply(jobID string, input jobs.Value) ([]jobs.Value, error) {
	if input.Kind != jobs.ValueString {
		return nil, cerrors.New(cerrors.CodeBadRequest, "delete operation expects a resource id")
	}
	if err := o.Service.Delete(input.String); err != nil {
		return nil, err
	}
	return nil, nil
}

// StoreScuOperation sends each incoming DICOM value to a remote modality
// and passes the value through to its successors.
type StoreScuOperation struct {
	Sender   scu.Sender
	LocalAET string
	Remote   scu.RemoteModality
}

// Apply implements jobs.Operation.
func (o *StoreScuOperation) Apply(jobID string, input jobs.Value) ([]jobs.Value, error) {
	if input.Kind != jobs.ValueDicom {
		return nil, cerrors.New(cerrors.CodeBadRequest, "store-scu operation expects a DICOM value")
	}

	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()
	if err := o.Sender.Store(ctx, o.LocalAET, o.Remote, input.Dicom); err != nil {
		return nil, err
	}
	return []jobs.Value{input}, nil
}

// SystemCallOperation runs an external command. String inputs are
// appended as a trailing argument; the trimmed standard output becomes
// the output value.
type SystemCallOperation struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Apply implements jobs.Operation.
func (o *SystemCallOperation) Apply(jobID string, input jobs.Value) ([]jobs.Value, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = transferTimeout
	}

	args := append([]string{}, o.Args...)
	if input.Kind == jobs.ValueString {
		args = append(args, input.String)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, o.Command, args...).Output()
	if err != nil {
		return nil, cerrors.Newf(cerrors.CodeInternalError, "command %q failed: %v", o.Command, err)
	}

	log.Debug().Str("job", jobID).Str("command", o.Command).Msg("System call completed")
	return []jobs.Value{jobs.StringValue(strings.TrimSpace(string(output)))}, nil
}

// LogJobOperation writes each incoming value to the log and passes it
// through unchanged.
type LogJobOperation struct{}

// Apply implements jobs.Operation.
func (o *LogJobOperation) Apply(jobID string, input jobs.Value) ([]jobs.Value, error) {
	entry := log.Info().Str("job", jobID)
	switch input.Kind {
	case jobs.ValueString:
		entry = entry.Str("value", input.String)
	case jobs.ValueDicom:
		entry = entry.Int("dicomSize", len(input.Dicom))
	}
	entry.Msg("Job value")
	return []jobs.Value{input}, nil
}
