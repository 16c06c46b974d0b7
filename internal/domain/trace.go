package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Trace collects the ordered steps of a single strategy run.
// Step indices are assigned densely starting at 1.
type Trace struct {
	steps []TraceStep
}

// NewTrace returns an empty trace
func NewTrace() *Trace {
	return &Trace{}
}

// Add appends a step. Input and output are encoded with msgpack; the
// output record is stored as the step's details, both are digested.
// Nil input or output leaves the corresponding digest empty.
func (t *Trace) Add(kind StepKind, label string, input, output interface{}, dur time.Duration) {
	step := TraceStep{
		StepIndex:  len(t.steps) + 1,
		Kind:       kind,
		Label:      label,
		DurationMs: dur.Milliseconds(),
	}
	if input != nil {
		if b, err := msgpack.Marshal(input); err == nil {
			step.InputDigest = digest(b)
		}
	}
	if output != nil {
		if b, err := msgpack.Marshal(output); err == nil {
			step.OutputDigest = digest(b)
			step.Details = b
		}
	}
	t.steps = append(t.steps, step)
}

// Steps returns the recorded steps in order
func (t *Trace) Steps() []TraceStep {
	return t.steps
}

// Len returns the number of recorded steps
func (t *Trace) Len() int {
	return len(t.steps)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
