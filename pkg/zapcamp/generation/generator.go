// Package generation produces the reply text for a consolidated
// conversation burst. The queue core only depends on the Generator
// interface; an empty result or any error is a retryable failure from the
// processor's point of view.
package generation

import (
	"context"
)

// Request carries the consolidated context for one reply.
type Request struct {
	// Conversation identifies the counterpart ("endpoint|address"), for
	// logging only.
	Conversation string

	// SenderName is the counterpart display name, if known.
	SenderName string

	// Text is the consolidated burst content in arrival order.
	Text string
}

// Generator turns a consolidated burst into one reply.
type Generator interface {
	// Generate returns the reply text. An empty string with nil error is
	// treated as a failure by callers.
	Generate(ctx context.Context, req Request) (string, error)
}

// Persona describes the campaign identity injected into the system prompt.
type Persona struct {
	// AssistantName is the name the assistant introduces itself with.
	AssistantName string `yaml:"assistant_name"`

	// Candidate is the candidate's name.
	Candidate string `yaml:"candidate"`

	// City is the campaign's city.
	City string `yaml:"city"`

	// BallotNumber is the candidate's ballot number.
	BallotNumber string `yaml:"ballot_number"`

	// Extra is appended verbatim to the system prompt (talking points,
	// tone instructions).
	Extra string `yaml:"extra"`
}
