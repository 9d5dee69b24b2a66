package chat

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"kindled/pkg/engagement"
	"kindled/pkg/logger"
	"kindled/pkg/proactive"
	"kindled/pkg/realtime"
	"kindled/pkg/schedule"
	"kindled/pkg/store"
)

// Deps bundles the collaborators the engine talks to.
type Deps struct {
	Store    Store
	States   StateStore
	Settings proactive.SettingsSource
	Text     TextClient
	Decider  DecisionClient
	Images   ImageGenerator
	Voices   VoiceSynthesizer
	Media    MediaStore
	Notifier Notifier
}

// Handler runs reactive turns and the proactive sweep. All pipeline work
// for one (user, persona) pair is serialized behind a per-pair mutex; the
// engagement and rate state invariants depend on that.
type Handler struct {
	deps    Deps
	machine *engagement.Machine
	limiter *proactive.Limiter
	finder  *proactive.Finder

	typing            TypingConfig
	compactionTrigger int
	compactionKeep    int
	timeGapThreshold  time.Duration

	locks sync.Map // "userID:personaID" -> *sync.Mutex
	now   func() time.Time
	rand  func() float64
	sleep func(time.Duration)
}

type HandlerOption func(*Handler)

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

func WithRand(r func() float64) HandlerOption {
	return func(h *Handler) { h.rand = r }
}

func WithSleep(sleep func(time.Duration)) HandlerOption {
	return func(h *Handler) { h.sleep = sleep }
}

func WithTyping(cfg TypingConfig) HandlerOption {
	return func(h *Handler) { h.typing = cfg }
}

func WithCompaction(triggerMessages, keepRecent int) HandlerOption {
	return func(h *Handler) {
		h.compactionTrigger = triggerMessages
		h.compactionKeep = keepRecent
	}
}

func WithTimeGapThreshold(d time.Duration) HandlerOption {
	return func(h *Handler) { h.timeGapThreshold = d }
}

func NewHandler(deps Deps, opts ...HandlerOption) *Handler {
	h := &Handler{
		deps:              deps,
		typing:            DefaultTypingConfig,
		compactionTrigger: 80,
		compactionKeep:    30,
		timeGapThreshold:  6 * time.Hour,
		now:               time.Now,
		rand:              rand.Float64,
		sleep:             time.Sleep,
	}
	for _, o := range opts {
		o(h)
	}
	h.machine = engagement.New(engagement.WithClock(h.now), engagement.WithRand(h.rand))
	h.limiter = proactive.NewLimiter(deps.States, proactive.WithLimiterClock(h.now))
	h.finder = proactive.NewFinder(deps.Store, deps.States, deps.Settings,
		proactive.WithClock(h.now), proactive.WithRand(h.rand))
	return h
}

func (h *Handler) resolveAvailability(p *store.Persona) schedule.Availability {
	return schedule.Resolve(p.Schedule, h.now())
}

func (h *Handler) pairLock(userID, personaID string) *sync.Mutex {
	key := userID + ":" + personaID
	mu, _ := h.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// HandleUserMessage processes one inbound user message: persist it, clear
// the proactive slate, and let the engagement machine decide whether the
// persona answers this turn.
func (h *Handler) HandleUserMessage(ctx context.Context, userID, personaID, content string) error {
	mu := h.pairLock(userID, personaID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := h.deps.Store.ConversationFor(ctx, userID, personaID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	settings, err := h.deps.Settings.UserSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	// A long silence gets a visible session break before the new message.
	h.maybeInsertTimeGap(ctx, conv)

	now := h.now()
	if _, err := h.deps.Store.SaveMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderUser,
		Type:           store.MessageText,
		Content:        content,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}

	// The user wrote back: escalation starts over for this pair.
	if err := h.limiter.ResetSlate(ctx, userID, personaID, settings); err != nil {
		logger.Warnf("chat: reset slate for %s/%s: %v", userID, personaID, err)
	}

	persona, err := h.deps.Store.Persona(ctx, personaID)
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}
	avail := schedule.Resolve(persona.Schedule, now)

	pair, err := h.deps.States.PairState(ctx, userID, personaID)
	if err != nil {
		return fmt.Errorf("load engagement state: %w", err)
	}

	delay, ok := h.machine.ResponseDelay(avail.Status)
	if !ok {
		// Offline personas never reply; the client just sees the status.
		pair.CurrentStatus = avail.Status
		h.savePairState(ctx, userID, personaID, pair)
		h.deps.Notifier.Publish(userID, realtime.Event{
			Type: realtime.EventCharacterOffline,
			Data: map[string]any{"persona_id": personaID},
		})
		return nil
	}

	outcome := h.machine.Evaluate(pair, avail)
	h.savePairState(ctx, userID, personaID, pair)

	switch outcome {
	case engagement.OutcomeSilent, engagement.OutcomeCooldown:
		return nil
	}

	h.sleep(delay)
	h.deps.Notifier.Publish(userID, realtime.Event{
		Type: realtime.EventCharacterTyping,
		Data: map[string]any{"persona_id": personaID},
	})

	run := &pipelineRun{
		conv:      conv,
		persona:   persona,
		settings:  settings,
		avail:     avail,
		kind:      runReactive,
		departing: outcome == engagement.OutcomeDeparting,
	}
	if _, err := h.runPipeline(ctx, run); err != nil {
		h.deps.Notifier.Publish(userID, realtime.Event{
			Type: realtime.EventAIResponseError,
			Data: map[string]any{"persona_id": personaID, "conversation_id": conv.ID},
		})
		return err
	}

	if outcome == engagement.OutcomeDeparting {
		h.machine.Depart(pair)
		h.savePairState(ctx, userID, personaID, pair)
	}
	return nil
}

func (h *Handler) savePairState(ctx context.Context, userID, personaID string, st *engagement.PairState) {
	if err := h.deps.States.SavePairState(ctx, userID, personaID, st); err != nil {
		logger.Errorf("chat: save engagement state for %s/%s: %v", userID, personaID, err)
	}
}

// Rematch restores a previously unmatched pair and drops a rematch
// separator into the history so the next generated message sits after a
// visible boundary.
func (h *Handler) Rematch(ctx context.Context, userID, personaID string) error {
	mu := h.pairLock(userID, personaID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := h.deps.Store.CreateMatch(ctx, userID, personaID); err != nil {
		return fmt.Errorf("create match: %w", err)
	}
	conv, err := h.deps.Store.ConversationFor(ctx, userID, personaID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if _, err := h.deps.Store.SaveMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderSystem,
		Type:           store.MessageSeparator,
		Separator:      store.SeparatorRematch,
		CreatedAt:      h.now(),
	}); err != nil {
		return fmt.Errorf("save rematch separator: %w", err)
	}
	return nil
}

// unmatch is terminal for the pair: one separator row, the match relation
// and pair state removed, and the client told.
func (h *Handler) unmatch(ctx context.Context, conv *store.Conversation, personaID, reason string) {
	if _, err := h.deps.Store.SaveMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderSystem,
		Type:           store.MessageSeparator,
		Separator:      store.SeparatorUnmatch,
		Content:        reason,
		CreatedAt:      h.now(),
	}); err != nil {
		logger.Errorf("chat: save unmatch separator for %s: %v", conv.ID, err)
	}
	if err := h.deps.Store.DeleteMatch(ctx, conv.UserID, personaID); err != nil {
		logger.Errorf("chat: delete match %s/%s: %v", conv.UserID, personaID, err)
	}
	if err := h.deps.States.DeletePairState(ctx, conv.UserID, personaID); err != nil {
		logger.Errorf("chat: delete pair state %s/%s: %v", conv.UserID, personaID, err)
	}
	h.deps.Notifier.Publish(conv.UserID, realtime.Event{
		Type: realtime.EventCharacterUnmatch,
		Data: map[string]any{"persona_id": personaID, "reason": reason},
	})
}
