package proactive

import (
	"context"
	"math"
	"time"

	"kindled/pkg/store"
)

// Limiter records the outcome of proactive sends and derives the escalating
// cooldowns. It is the only writer of send-related state: the finder reads
// but never mutates it.
type Limiter struct {
	states StateStore
	now    func() time.Time
}

func NewLimiter(states StateStore, opts ...LimiterOption) *Limiter {
	l := &Limiter{states: states, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

type LimiterOption func(*Limiter)

func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// SendOutcome reports the state after a recorded normal send.
type SendOutcome struct {
	ConsecutiveCount int
	CooldownMinutes  int
	// AtCap is true once the pair reached maxConsecutiveProactive.
	AtCap bool
	// ShouldUnmatch is AtCap gated by the auto-unmatch setting.
	ShouldUnmatch bool
}

// RecordNormalSend stamps the global cooldown and daily counter, escalates
// the pair's cooldown geometrically, and reports whether the pair hit the
// consecutive cap.
func (l *Limiter) RecordNormalSend(ctx context.Context, userID, personaID string, settings *store.Settings) (*SendOutcome, error) {
	now := l.now()

	sweepSt, err := l.states.SweepState(ctx, userID)
	if err != nil {
		return nil, err
	}
	ResetDailyCounters(sweepSt, now)
	sweepSt.GlobalCooldownAt = now
	sweepSt.DailyProactiveCount++
	if err := l.states.SaveSweepState(ctx, userID, sweepSt); err != nil {
		return nil, err
	}

	rate, err := l.states.RateState(ctx, userID, personaID)
	if err != nil {
		return nil, err
	}
	rate.LastProactiveAt = now
	if settings.MaxConsecutiveProactive <= 0 || rate.ConsecutiveCount < settings.MaxConsecutiveProactive {
		rate.ConsecutiveCount++
	}
	rate.CooldownMinutes = EscalatedCooldown(settings.BaseCooldownMinutes, settings.CooldownMultiplier, rate.ConsecutiveCount)
	if err := l.states.SaveRateState(ctx, userID, personaID, rate); err != nil {
		return nil, err
	}

	atCap := settings.MaxConsecutiveProactive > 0 && rate.ConsecutiveCount >= settings.MaxConsecutiveProactive
	return &SendOutcome{
		ConsecutiveCount: rate.ConsecutiveCount,
		CooldownMinutes:  rate.CooldownMinutes,
		AtCap:            atCap,
		ShouldUnmatch:    atCap && settings.AutoUnmatchAfterProactive,
	}, nil
}

// RecordLeftOnReadSend bumps the daily left-on-read counter and stamps the
// pair cooldown. It does not touch the global cooldown or escalation.
func (l *Limiter) RecordLeftOnReadSend(ctx context.Context, userID, personaID string, settings *store.Settings) error {
	now := l.now()

	sweepSt, err := l.states.SweepState(ctx, userID)
	if err != nil {
		return err
	}
	ResetDailyCounters(sweepSt, now)
	sweepSt.DailyLeftOnReadCount++
	if err := l.states.SaveSweepState(ctx, userID, sweepSt); err != nil {
		return err
	}

	rate, err := l.states.RateState(ctx, userID, personaID)
	if err != nil {
		return err
	}
	rate.LastLeftOnReadAt = now
	return l.states.SaveRateState(ctx, userID, personaID, rate)
}

// ResetSlate drops the pair back to base cooldown with a zero consecutive
// count. Called when the user writes, or when the persona sends a reactive
// (non-proactive) reply.
func (l *Limiter) ResetSlate(ctx context.Context, userID, personaID string, settings *store.Settings) error {
	rate, err := l.states.RateState(ctx, userID, personaID)
	if err != nil {
		return err
	}
	if rate.ConsecutiveCount == 0 && rate.CooldownMinutes == settings.BaseCooldownMinutes {
		return nil
	}
	rate.ConsecutiveCount = 0
	rate.CooldownMinutes = settings.BaseCooldownMinutes
	return l.states.SaveRateState(ctx, userID, personaID, rate)
}

// EscalatedCooldown is base × multiplier^count, strictly increasing in count
// for multiplier > 1.
func EscalatedCooldown(baseMinutes int, multiplier float64, count int) int {
	if multiplier <= 0 {
		multiplier = 1
	}
	return int(math.Round(float64(baseMinutes) * math.Pow(multiplier, float64(count))))
}
