// Package llm provides the generation-provider client used by the
// reframer and the self-consistency engine.
package llm

import "context"

// Client defines the minimal interface pipeline components use to
// call the generation provider.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
