package jobs

import (
	"encoding/json"
	"sync"
	"time"

	"pacsd/pkg/cerrors"
)

// ValueKind discriminates the typed values flowing between operations.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueString
	ValueDicom
)

// Value is one typed datum passed along the operation DAG.
type Value struct {
	Kind   ValueKind
	String string
	Dicom  []byte
}

// NullValue is the input of operations without predecessors.
func NullValue() Value {
	return Value{Kind: ValueNull}
}

// StringValue wraps a string datum.
func StringValue(s string) Value {
	return Value{Kind: ValueString, String: s}
}

// DicomValue wraps an encoded DICOM file.
func DicomValue(data []byte) Value {
	return Value{Kind: ValueDicom, Dicom: data}
}

// Operation consumes one input value and produces values for its
// successors.
type Operation interface {
	Apply(jobID string, input Value) ([]Value, error)
}

type opNode struct {
	operation  Operation
	inputs     []Value
	successors []int
}

// SequenceOfOperationsJob executes a small DAG of operations. Each step
// runs one operation over its accumulated inputs and pushes the outputs
// to its successors. Once every operation ran, the job waits up to the
// trailing timeout for more operations to be appended before finishing.
type SequenceOfOperationsJob struct {
	NoOutput

	mu              sync.Mutex
	ops             []*opNode
	current         int
	trailingTimeout time.Duration
	description     string
	wake            chan struct{}
}

// DefaultTrailingTimeout is how long a finished sequence waits for
// more operations.
const DefaultTrailingTimeout = 100 * time.Millisecond

// NewSequenceOfOperationsJob creates an empty sequence.
func NewSequenceOfOperationsJob(trailingTimeout time.Duration) *SequenceOfOperationsJob {
	if trailingTimeout <= 0 {
		trailingTimeout = DefaultTrailingTimeout
	}
	return &SequenceOfOperationsJob{
		trailingTimeout: trailingTimeout,
		wake:            make(chan struct{}),
	}
}

// SetDescription sets the user-facing description.
func (j *SequenceOfOperationsJob) SetDescription(description string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.description = description
}

// AddOperation appends an operation and returns its index. Operations may
// be appended while the job runs; the trailing wait picks them up.
func (j *SequenceOfOperationsJob) AddOperation(operation Operation) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.ops = append(j.ops, &opNode{operation: operation})
	close(j.wake)
	j.wake = make(chan struct{})
	return len(j.ops) - 1
}

// Connect wires the outputs of one operation to the inputs of a later
// one. Edges only go forward, which keeps the graph acyclic.
func (j *SequenceOfOperationsJob) Connect(from, to int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if from < 0 || from >= len(j.ops) || to < 0 || to >= len(j.ops) {
		return cerrors.New(cerrors.CodeParameterOutOfRange, "operation index out of range")
	}
	if from >= to {
		return cerrors.New(cerrors.CodeBadRequest, "operations must connect forward")
	}
	if from < j.current {
		return cerrors.New(cerrors.CodeBadSequenceOfCalls, "source operation already executed")
	}

	j.ops[from].successors = append(j.ops[from].successors, to)
	return nil
}

// AddInput queues a value on one operation before it executes.
func (j *SequenceOfOperationsJob) AddInput(operation int, value Value) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if operation < 0 || operation >= len(j.ops) {
		return cerrors.New(cerrors.CodeParameterOutOfRange, "operation index out of range")
	}
	if operation < j.current {
		return cerrors.New(cerrors.CodeBadSequenceOfCalls, "operation already executed")
	}

	j.ops[operation].inputs = append(j.ops[operation].inputs, value)
	return nil
}

// OperationCount returns the number of appended operations.
func (j *SequenceOfOperationsJob) OperationCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ops)
}

// Start is a no-op; the sequence grows dynamically.
func (j *SequenceOfOperationsJob) Start() {}

// Step runs the next operation, or waits the trailing timeout when the
// sequence is exhausted.
func (j *SequenceOfOperationsJob) Step(jobID string) StepResult {
	j.mu.Lock()

	if j.current < len(j.ops) {
		node := j.ops[j.current]
		inputs := node.inputs
		if len(inputs) == 0 {
			inputs = []Value{NullValue()}
		}

		for _, input := range inputs {
			outputs, err := node.operation.Apply(jobID, input)
			if err != nil {
				j.mu.Unlock()
				return Failure(cerrors.CodeOf(err), err.Error())
			}
			for _, successor := range node.successors {
				j.ops[successor].inputs = append(j.ops[successor].inputs, outputs...)
			}
		}

		j.current++
		j.mu.Unlock()
		return Continue()
	}

	wake := j.wake
	j.mu.Unlock()

	select {
	case <-wake:
		return Continue()
	case <-time.After(j.trailingTimeout):
		return Success()
	}
}

// Reset is a no-op; a failed sequence cannot be replayed.
func (j *SequenceOfOperationsJob) Reset() {}

// Stop is a no-op.
func (j *SequenceOfOperationsJob) Stop(reason StopReason) {}

// Progress reports executed operations over the total.
func (j *SequenceOfOperationsJob) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.ops) == 0 {
		return 1
	}
	return float64(j.current) / float64(len(j.ops))
}

// TypeTag names the job type.
func (j *SequenceOfOperationsJob) TypeTag() string {
	return "SequenceOfOperations"
}

// Serialize reports false: operations hold live handles (connections,
// transactions) that cannot be persisted.
func (j *SequenceOfOperationsJob) Serialize() (json.RawMessage, bool) {
	return nil, false
}

// PublicContent describes the job for the API.
func (j *SequenceOfOperationsJob) PublicContent() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	content := map[string]interface{}{
		"CountOperations": len(j.ops),
	}
	if j.description != "" {
		content["Description"] = j.description
	}
	return content
}
