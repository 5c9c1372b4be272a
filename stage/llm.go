package stage

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/ratchet/event"
	"github.com/GoCodeAlone/ratchet/provider"
)

// llmStage runs one stage as a single Provider.Chat exchange. It has no
// tool-call loop: the accumulated input goes in as one user message, the
// response content comes back as the stage's artifact.
type llmStage struct {
	name         string
	systemPrompt string
	backend      provider.Provider
}

func newLLMStage(name, systemPrompt string, backend provider.Provider) *llmStage {
	return &llmStage{name: name, systemPrompt: systemPrompt, backend: backend}
}

func (s *llmStage) Name() string { return s.name }

func (s *llmStage) Run(ctx context.Context, input string, sctx *Context) (Output, error) {
	sctx.Emit(event.KindMessage, event.Payload{Message: fmt.Sprintf("%s is thinking", s.name)})

	resp, err := s.backend.Chat(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: s.systemPrompt},
		{Role: provider.RoleUser, Content: input},
	})
	if err != nil {
		return Output{}, fmt.Errorf("%s stage: %w", s.name, err)
	}

	sctx.Emit(event.KindMessage, event.Payload{Message: resp.Content})
	return Output{Artifact: resp.Content}, nil
}

// NewProviderPipeline builds the three-stage pipeline backed by a real
// Provider instead of the deterministic simulator. Every stage uses the
// given backend; cmd/taskengined passes provider/mock's scripted Provider
// when test_mode is off.
func NewProviderPipeline(backend provider.Provider) *Pipeline {
	return &Pipeline{
		Stages: []Stage{
			newLLMStage("PM", "You are a product manager. Turn the request into a requirements document.", backend),
			newLLMStage("Architect", "You are a software architect. Turn the requirements into a design.", backend),
			newLLMStage("Engineer", "You are an engineer. Turn the design into an implementation summary.", backend),
		},
	}
}
