// Package chat is the engine: it decides whether a persona answers an
// incoming message, runs the proactive sweep, and drives the generation
// pipeline from decision stage to persisted reply.
package chat

// Message is one prompt message handed to the text or decision model.
type Message struct {
	Role    string
	Content string
}
