package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"kindled/pkg/logger"
	"kindled/pkg/proactive"
)

// RunSweep executes one proactive pass: unmatch the pairs that exhausted
// their chances, then work through the candidates. At most one normal
// proactive message is sent per sweep; left-on-read nudges are not capped
// here because the finder already gated them per pair.
func (h *Handler) RunSweep(ctx context.Context) {
	res, err := h.finder.Sweep(ctx)
	if err != nil {
		logger.Errorf("sweep: %v", err)
		return
	}

	for _, c := range res.Unmatchable {
		settings, err := h.deps.Settings.UserSettings(ctx, c.UserID)
		if err != nil {
			logger.Errorf("sweep: load settings for %s: %v", c.UserID, err)
			continue
		}
		if !settings.AutoUnmatchAfterProactive {
			continue
		}
		h.unmatchPair(ctx, c)
	}

	normalSent := false
	for _, c := range res.Candidates {
		if c.Trigger == proactive.TriggerNormal && normalSent {
			continue
		}
		sent, err := h.sendProactive(ctx, c)
		if err != nil {
			// One bad pair must not stop the rest of the sweep.
			logger.Warnf("sweep: proactive send %s/%s: %v", c.UserID, c.PersonaID, err)
			continue
		}
		if sent && c.Trigger == proactive.TriggerNormal {
			normalSent = true
		}
	}
}

func (h *Handler) unmatchPair(ctx context.Context, c proactive.Candidate) {
	mu := h.pairLock(c.UserID, c.PersonaID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := h.deps.Store.Conversation(ctx, c.ConversationID)
	if err != nil {
		logger.Errorf("sweep: load conversation %s: %v", c.ConversationID, err)
		return
	}
	logger.Infof("sweep: unmatching %s/%s, proactive cap exhausted", c.UserID, c.PersonaID)
	h.unmatch(ctx, conv, c.PersonaID, "no reply")
}

func (h *Handler) sendProactive(ctx context.Context, c proactive.Candidate) (bool, error) {
	mu := h.pairLock(c.UserID, c.PersonaID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := h.deps.Store.Conversation(ctx, c.ConversationID)
	if err != nil {
		return false, fmt.Errorf("load conversation: %w", err)
	}
	settings, err := h.deps.Settings.UserSettings(ctx, c.UserID)
	if err != nil {
		return false, fmt.Errorf("load settings: %w", err)
	}

	kind := runProactive
	if c.Trigger == proactive.TriggerLeftOnRead {
		kind = runLeftOnRead
	}
	run := &pipelineRun{
		conv:           conv,
		persona:        c.Persona,
		settings:       settings,
		avail:          h.resolveAvailability(c.Persona),
		kind:           kind,
		gapHours:       c.GapHours,
		isFirstMessage: c.IsFirstMessage,
	}
	sent, err := h.runPipeline(ctx, run)
	if err != nil || !sent {
		return false, err
	}

	// Rate accounting only after the message actually landed.
	if c.Trigger == proactive.TriggerLeftOnRead {
		if err := h.limiter.RecordLeftOnReadSend(ctx, c.UserID, c.PersonaID, settings); err != nil {
			logger.Errorf("sweep: record left-on-read send %s/%s: %v", c.UserID, c.PersonaID, err)
		}
		return true, nil
	}
	out, err := h.limiter.RecordNormalSend(ctx, c.UserID, c.PersonaID, settings)
	if err != nil {
		logger.Errorf("sweep: record proactive send %s/%s: %v", c.UserID, c.PersonaID, err)
		return true, nil
	}
	if out.ShouldUnmatch {
		h.unmatch(ctx, conv, c.PersonaID, "no reply")
	}
	return true, nil
}

// StartSweeper schedules RunSweep on a fixed interval. The returned cron
// owns the goroutine; stop it on shutdown.
func StartSweeper(h *Handler, every time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		ctx, cancel := context.WithTimeout(context.Background(), every)
		defer cancel()
		h.RunSweep(ctx)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
