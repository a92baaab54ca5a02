// Package llm is the boundary to the text generation service. The engine
// never talks to model providers directly; it posts prompts to a single
// configured endpoint and treats failures as transient, degradable events.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Constraints bound a single generation call.
type Constraints struct {
	MaxTokens   int
	Temperature float64
	// Agent tags the call for service-side routing and accounting
	// ("query_expander", "report_writer", "fact_verifier", ...).
	Agent string
	// Tier selects model size on the service side ("small" | "large").
	Tier string
	// SystemPrompt is passed through to the service unchanged.
	SystemPrompt string
}

// Generator produces text for a prompt. Implementations must honor ctx
// cancellation; callers treat any error as a GenerationError candidate
// and decide whether to retry or downgrade.
type Generator interface {
	Generate(ctx context.Context, prompt string, c Constraints) (string, error)
}

// GenerationError marks a failed generation call. It wraps the transport
// or service error and records which agent was calling.
type GenerationError struct {
	Agent string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (agent=%s): %v", e.Agent, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Usage is the accounting metadata the service returns with a response.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Model        string
	Latency      time.Duration
}
