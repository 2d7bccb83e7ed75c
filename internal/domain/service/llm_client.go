package service

import (
	"context"

	"github.com/shesha-run/shesha/internal/domain/entity"
)

// LLMClient is the interface the engine uses to talk to the driver and
// sub-LLM tiers. Shesha has no streaming surface — it never delivers
// incremental tokens to a UI — so the contract is a single blocking call.
type LLMClient interface {
	Complete(ctx context.Context, messages []entity.Message, model string) (CompletionResult, error)
}

// CompletionResult is one LLM call's text output and token accounting.
type CompletionResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}
