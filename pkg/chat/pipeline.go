package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kindled/pkg/logger"
	"kindled/pkg/realtime"
	"kindled/pkg/schedule"
	"kindled/pkg/store"
)

var (
	ErrEmptyReply     = errors.New("model returned an empty reply")
	ErrDuplicateReply = errors.New("model repeated a recent reply")
)

type runKind int

const (
	runReactive runKind = iota
	runProactive
	runLeftOnRead
)

type pipelineRun struct {
	conv     *store.Conversation
	persona  *store.Persona
	settings *store.Settings
	avail    schedule.Availability

	kind      runKind
	departing bool
	// gapHours is how long the conversation has been idle, proactive runs only.
	gapHours       float64
	isFirstMessage bool
}

// runPipeline executes one generation turn: decision, mood, media, text,
// persistence, notification. Returns whether anything was persisted. A
// panic anywhere in the stages is converted into an error so one bad turn
// cannot take the process down.
func (h *Handler) runPipeline(ctx context.Context, r *pipelineRun) (sent bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sent = false
			err = fmt.Errorf("pipeline panic: %v", rec)
		}
	}()

	h.maybeCompact(ctx, r.conv)

	// Proactive turns may open a new session after a long silence; the
	// marker goes in first and is rolled back if no message follows it.
	gapMarkerID := ""
	if r.kind != runReactive {
		gapMarkerID = h.maybeInsertTimeGap(ctx, r.conv)
	}
	rollbackGap := func() {
		if gapMarkerID == "" {
			return
		}
		if derr := h.deps.Store.DeleteMessage(ctx, gapMarkerID); derr != nil {
			logger.Errorf("chat: roll back time-gap marker %s: %v", gapMarkerID, derr)
		}
	}

	history, err := h.deps.Store.RecentMessages(ctx, r.conv.ID, historyWindow)
	if err != nil {
		rollbackGap()
		return false, fmt.Errorf("load history: %w", err)
	}

	decision, err := h.deps.Decider.Decide(ctx, h.decisionPrompt(r, history))
	if err != nil {
		rollbackGap()
		return false, fmt.Errorf("decision stage: %w", err)
	}

	if decision.ShouldUnmatch {
		rollbackGap()
		h.unmatch(ctx, r.conv, r.persona.ID, "ended by "+r.persona.Name)
		return false, nil
	}
	if !decision.ShouldRespond {
		rollbackGap()
		return false, nil
	}

	if decision.Mood != "" && decision.Mood != r.persona.Mood {
		if err := h.deps.Store.SetPersonaMood(ctx, r.persona.ID, decision.Mood); err != nil {
			logger.Errorf("chat: persist mood for %s: %v", r.persona.ID, err)
		} else {
			r.persona.Mood = decision.Mood
			h.deps.Notifier.Publish(r.conv.UserID, realtime.Event{
				Type: realtime.EventMoodChange,
				Data: map[string]any{"persona_id": r.persona.ID, "mood": decision.Mood},
			})
		}
	}

	// Image before text, so the reply can be written around it. Any
	// failure here degrades to a plain text turn.
	imagePath := ""
	if decision.ShouldSendImage && r.persona.HasImages {
		imagePath = h.generateImage(ctx, r, decision)
	}

	parts, err := h.generateReply(ctx, r, history, decision, imagePath != "")
	if err != nil {
		rollbackGap()
		return false, fmt.Errorf("text stage: %w", err)
	}
	parts = h.thinEmoji(ctx, r.conv.ID, parts)

	audioPath := ""
	if decision.ShouldSendVoice && r.persona.HasVoice {
		data, verr := h.deps.Voices.Synthesize(ctx, strings.Join(parts, " "), r.persona.VoiceID)
		if verr != nil {
			logger.Warnf("chat: voice synthesis for %s: %v", r.persona.ID, verr)
		} else if p, serr := h.deps.Media.SaveAudio(ctx, r.conv.ID, data); serr != nil {
			logger.Errorf("chat: save audio for %s: %v", r.conv.ID, serr)
		} else {
			audioPath = p
		}
	}

	if r.kind == runReactive {
		h.sleep(typingDuration(len(parts[0]), r.persona.Mood, h.typing, h.rand()))
	}

	for i, part := range parts {
		msg := &store.Message{
			ConversationID: r.conv.ID,
			Sender:         store.SenderPersona,
			Type:           store.MessageText,
			Content:        part,
			IsProactive:    r.kind != runReactive,
			CreatedAt:      h.now(),
		}
		if i == 0 {
			msg.Reaction = decision.Reaction
			msg.Mood = decision.Mood
			if imagePath != "" {
				msg.Type = store.MessageImage
				msg.ImagePath = imagePath
			}
			if audioPath != "" {
				if msg.Type == store.MessageText {
					msg.Type = store.MessageVoice
				}
				msg.AudioPath = audioPath
			}
		}
		id, serr := h.deps.Store.SaveMessage(ctx, msg)
		if serr != nil {
			if i == 0 {
				rollbackGap()
				return false, fmt.Errorf("save reply: %w", serr)
			}
			// Later parts failing still leaves a valid turn behind.
			logger.Errorf("chat: save reply part %d for %s: %v", i, r.conv.ID, serr)
			break
		}
		msg.ID = id
		h.deps.Notifier.Publish(r.conv.UserID, realtime.Event{
			Type: realtime.EventNewMessage,
			Data: msg,
		})
	}

	if err := h.deps.Store.IncrementUnread(ctx, r.conv.ID, len(parts)); err != nil {
		logger.Errorf("chat: bump unread for %s: %v", r.conv.ID, err)
	}
	return true, nil
}

func (h *Handler) generateImage(ctx context.Context, r *pipelineRun, decision *Decision) string {
	tags := ValidateImageTags(decision.ImageTags, r.persona.ImageTags)
	if len(tags) == 0 {
		logger.Warnf("chat: no valid image tags for %s, skipping image", r.persona.ID)
		return ""
	}
	data, err := h.deps.Images.Generate(ctx, tags)
	if err != nil {
		logger.Warnf("chat: image generation for %s: %v", r.persona.ID, err)
		return ""
	}
	path, err := h.deps.Media.SaveImage(ctx, r.conv.ID, data)
	if err != nil {
		logger.Errorf("chat: save image for %s: %v", r.conv.ID, err)
		return ""
	}
	return path
}

// generateReply runs the text stage with the retry loop. With retries
// enabled an empty or repeated reply gets up to three attempts; with
// retries disabled a duplicate is accepted as-is and only emptiness fails.
func (h *Handler) generateReply(ctx context.Context, r *pipelineRun, history []store.Message, decision *Decision, withImage bool) ([]string, error) {
	var recent []string
	if r.settings.GenerationRetries {
		prev, err := h.deps.Store.LastPersonaMessages(ctx, r.conv.ID, duplicateWindow)
		if err != nil {
			logger.Warnf("chat: load recent replies for %s: %v", r.conv.ID, err)
		}
		for _, m := range prev {
			recent = append(recent, m.Content)
		}
	}

	attempts := 1
	if r.settings.GenerationRetries {
		attempts = 3
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		raw, err := h.deps.Text.Complete(ctx, h.replyPrompt(r, history, decision, withImage))
		if err != nil {
			lastErr = err
			continue
		}
		cleaned := CleanReply(raw)
		if cleaned == "" {
			lastErr = ErrEmptyReply
			continue
		}
		if r.settings.GenerationRetries && isDuplicateReply(cleaned, recent) {
			lastErr = ErrDuplicateReply
			continue
		}
		return SplitParts(cleaned), nil
	}
	return nil, lastErr
}

// thinEmoji strips emoji from every third persona message so the texting
// style does not read as a wall of emoji.
func (h *Handler) thinEmoji(ctx context.Context, conversationID string, parts []string) []string {
	count, err := h.deps.Store.PersonaMessageCount(ctx, conversationID)
	if err != nil {
		logger.Warnf("chat: count persona messages for %s: %v", conversationID, err)
		return parts
	}
	if (count+1)%3 != 0 {
		return parts
	}
	stripped := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := StripEmoji(p); s != "" {
			stripped = append(stripped, s)
		}
	}
	if len(stripped) == 0 {
		return parts
	}
	return stripped
}
