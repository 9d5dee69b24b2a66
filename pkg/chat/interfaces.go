package chat

import (
	"context"

	"kindled/pkg/engagement"
	"kindled/pkg/proactive"
	"kindled/pkg/realtime"
	"kindled/pkg/store"
)

// TextClient generates the persona's reply text.
type TextClient interface {
	Complete(ctx context.Context, msgs []Message) (string, error)
}

// DecisionClient runs the decision stage.
type DecisionClient interface {
	Decide(ctx context.Context, msgs []Message) (*Decision, error)
}

// ImageGenerator renders an image for a validated tag list.
type ImageGenerator interface {
	Generate(ctx context.Context, tags []string) ([]byte, error)
}

// VoiceSynthesizer turns reply text into audio for a persona voice.
type VoiceSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// MediaStore persists generated media bytes and returns a serving path.
type MediaStore interface {
	SaveImage(ctx context.Context, conversationID string, data []byte) (string, error)
	SaveAudio(ctx context.Context, conversationID string, data []byte) (string, error)
}

// Store is the conversation persistence the engine needs. Implemented by
// store.SurrealStore.
type Store interface {
	proactive.ConversationSource

	ConversationFor(ctx context.Context, userID, personaID string) (*store.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	OldestMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	LastPersonaMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	PersonaMessageCount(ctx context.Context, conversationID string) (int, error)
	MessageCount(ctx context.Context, conversationID string) (int, error)
	SaveMessage(ctx context.Context, msg *store.Message) (string, error)
	DeleteMessage(ctx context.Context, messageID string) error
	// ReplaceOldest atomically removes the conversation's n oldest messages
	// and inserts summary in their place.
	ReplaceOldest(ctx context.Context, conversationID string, n int, summary *store.Message) error
	IncrementUnread(ctx context.Context, conversationID string, by int) error
	SetPersonaMood(ctx context.Context, personaID, mood string) error
	CreateMatch(ctx context.Context, userID, personaID string) (*store.Match, error)
	DeleteMatch(ctx context.Context, userID, personaID string) error
}

// StateStore persists engagement and proactive state. Implemented by
// store.StateStore on Redis.
type StateStore interface {
	proactive.StateStore

	PairState(ctx context.Context, userID, personaID string) (*engagement.PairState, error)
	SavePairState(ctx context.Context, userID, personaID string, st *engagement.PairState) error
	// DeletePairState drops both engagement and rate state for the pair.
	DeletePairState(ctx context.Context, userID, personaID string) error
}

// Notifier pushes events to the user's realtime channel.
type Notifier interface {
	Publish(userID string, ev realtime.Event)
}
