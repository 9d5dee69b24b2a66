package chat

import (
	"context"
	"fmt"
	"time"

	"kindled/pkg/logger"
	"kindled/pkg/store"
)

// maybeInsertTimeGap drops a session-break marker when the conversation
// has been idle past the threshold. Returns the marker's id so proactive
// turns can roll it back if nothing ends up sent after it.
func (h *Handler) maybeInsertTimeGap(ctx context.Context, conv *store.Conversation) string {
	last, err := h.deps.Store.LastMessage(ctx, conv.ID)
	if err != nil {
		logger.Warnf("chat: load last message for %s: %v", conv.ID, err)
		return ""
	}
	if last == nil || last.Type == store.MessageTimeGap {
		return ""
	}
	gap := h.now().Sub(last.CreatedAt)
	if gap < h.timeGapThreshold {
		return ""
	}
	id, err := h.deps.Store.SaveMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderSystem,
		Type:           store.MessageTimeGap,
		Content:        formatGap(gap),
		CreatedAt:      h.now(),
	})
	if err != nil {
		logger.Errorf("chat: save time-gap marker for %s: %v", conv.ID, err)
		return ""
	}
	return id
}

func formatGap(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%d days later", int(d.Hours()/24))
	case d >= 24*time.Hour:
		return "a day later"
	default:
		return fmt.Sprintf("%d hours later", int(d.Hours()))
	}
}
