package ai

import "context"

// Turn is one prior exchange handed to the generator for context.
type Turn struct {
	Role    string
	Content string
}

// TextGenerator produces a persona reply for a user message.
type TextGenerator interface {
	GenerateReply(ctx context.Context, systemPrompt string, history []Turn, userMessage string) (string, error)
}
