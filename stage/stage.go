// Package stage implements the Stage Pipeline: the static sequence
// PM -> Architect -> Engineer, and the reference test-mode simulator
// that stands in for a real LLM-driven agent framework.
package stage

import (
	"context"

	"github.com/GoCodeAlone/ratchet/event"
)

// Context is exposed to a running stage. Emit prepends the stage's own
// name to the resulting event, matching the Worker's per-task emission
// protocol.
type Context struct {
	StageName string
	Emit      func(kind event.Kind, payload event.Payload)
}

// Output is what a stage produces: an artifact and an optional execution
// output (populated only by stages that "run" something, i.e. Engineer).
type Output struct {
	Artifact        string
	ExecutionOutput string
}

// Stage is the opaque coroutine contract the Worker drives: consume an
// input artifact (the requirement for PM, the upstream artifact
// otherwise) and produce an output. A production implementation would
// delegate to a real LLM-driven agent framework; the interface stays the
// same either way.
type Stage interface {
	Name() string
	Run(ctx context.Context, input string, sctx *Context) (Output, error)
}

// Pipeline is the fixed three-stage sequence.
type Pipeline struct {
	Stages []Stage
}

// NewSimulatedPipeline builds the reference test-mode pipeline: PM,
// Architect, and Engineer stages backed by deterministic simulators.
func NewSimulatedPipeline() *Pipeline {
	return &Pipeline{
		Stages: []Stage{
			newSimulatedStage("PM", pmSteps),
			newSimulatedStage("Architect", architectSteps),
			newEngineerStage(),
		},
	}
}
