package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/ratchet/event"
)

// step is one canned message a simulated stage emits before producing
// its artifact, honoring ctx cancellation at its delay exactly like a
// real coroutine would honor cancellation at a suspension point.
type step struct {
	message string
	delay   time.Duration
}

const simulatedStepDelay = 200 * time.Millisecond

var pmSteps = []step{
	{"Gathering requirements...", simulatedStepDelay},
	{"Drafting product requirements document...", simulatedStepDelay},
}

var architectSteps = []step{
	{"Reviewing requirements...", simulatedStepDelay},
	{"Designing system architecture...", simulatedStepDelay},
}

var engineerSteps = []step{
	{"Reviewing design...", simulatedStepDelay},
	{"Writing implementation...", simulatedStepDelay},
}

// simulatedStage is the reference "test mode" stage: it sleeps briefly at
// each yield point, emitting a canned MESSAGE per step, then produces a
// deterministic artifact. It never calls out to a real LLM.
type simulatedStage struct {
	name  string
	steps []step
}

func newSimulatedStage(name string, steps []step) *simulatedStage {
	return &simulatedStage{name: name, steps: steps}
}

func (s *simulatedStage) Name() string { return s.name }

func (s *simulatedStage) Run(ctx context.Context, input string, sctx *Context) (Output, error) {
	for _, st := range s.steps {
		select {
		case <-time.After(st.delay):
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
		sctx.Emit(event.KindMessage, event.Payload{Message: st.message})
	}

	artifact := fmt.Sprintf("%s artifact for: %s", s.name, input)
	return Output{Artifact: artifact}, nil
}

// engineerStage additionally emits one file-artifact MESSAGE per
// simulated file and one execution-result MESSAGE, matching the core
// spec's Engineer-stage requirement and the original system's worked
// examples (a component file plus its test run).
type engineerStage struct {
	simulatedStage
	files []simulatedFile
}

type simulatedFile struct {
	path     string
	content  string
	language string
}

func newEngineerStage() *engineerStage {
	return &engineerStage{
		simulatedStage: simulatedStage{name: "Engineer", steps: engineerSteps},
		files: []simulatedFile{
			{
				path:     "src/App.tsx",
				content:  "export function App() {\n  return <main>hello</main>\n}\n",
				language: "typescript",
			},
			{
				path:     "src/App.test.tsx",
				content:  "test('renders', () => {\n  expect(true).toBe(true)\n})\n",
				language: "typescript",
			},
		},
	}
}

func (s *engineerStage) Run(ctx context.Context, input string, sctx *Context) (Output, error) {
	out, err := s.simulatedStage.Run(ctx, input, sctx)
	if err != nil {
		return Output{}, err
	}

	for _, f := range s.files {
		select {
		case <-time.After(simulatedStepDelay):
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
		sctx.Emit(event.KindMessage, event.Payload{
			Message:    fmt.Sprintf("Creating %s", f.path),
			VisualType: event.VisualCode,
			FilePath:   f.path,
			Content:    f.content,
			Language:   f.language,
		})
	}

	select {
	case <-time.After(simulatedStepDelay):
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
	execResult := "PASS: 2 tests passed"
	sctx.Emit(event.KindMessage, event.Payload{
		Message:         "Running tests",
		VisualType:      event.VisualExecution,
		ExecutionResult: execResult,
	})

	out.ExecutionOutput = execResult
	return out, nil
}
