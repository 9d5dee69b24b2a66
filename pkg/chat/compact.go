package chat

import (
	"context"
	"fmt"
	"strings"

	"kindled/pkg/logger"
	"kindled/pkg/store"
)

// maybeCompact folds the oldest part of an overlong history into a single
// summary row. Failures only log; the turn proceeds on the full history.
func (h *Handler) maybeCompact(ctx context.Context, conv *store.Conversation) {
	if h.compactionTrigger <= 0 {
		return
	}
	count, err := h.deps.Store.MessageCount(ctx, conv.ID)
	if err != nil {
		logger.Warnf("chat: count messages for %s: %v", conv.ID, err)
		return
	}
	if count <= h.compactionTrigger {
		return
	}

	n := count - h.compactionKeep
	oldest, err := h.deps.Store.OldestMessages(ctx, conv.ID, n)
	if err != nil {
		logger.Errorf("chat: load oldest messages for %s: %v", conv.ID, err)
		return
	}
	if len(oldest) == 0 {
		return
	}

	summary, err := h.deps.Text.Complete(ctx, summaryPrompt(oldest))
	if err != nil {
		logger.Errorf("chat: summarize history for %s: %v", conv.ID, err)
		return
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}

	err = h.deps.Store.ReplaceOldest(ctx, conv.ID, len(oldest), &store.Message{
		ConversationID: conv.ID,
		Sender:         store.SenderSystem,
		Type:           store.MessageSummary,
		Content:        fmt.Sprintf("Earlier in this conversation: %s", summary),
		CreatedAt:      oldest[0].CreatedAt,
	})
	if err != nil {
		logger.Errorf("chat: compact history for %s: %v", conv.ID, err)
		return
	}
	logger.Infof("chat: compacted %d messages in %s", len(oldest), conv.ID)
}
