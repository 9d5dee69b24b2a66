// Package proactive decides which (user, persona) pairs may receive an
// unsolicited message. The Finder sweeps all pairs and emits candidates
// without touching any send-related state; the Limiter records the outcome
// of actual sends and escalates cooldowns.
package proactive

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"kindled/pkg/logger"
	"kindled/pkg/schedule"
	"kindled/pkg/store"
)

// GlobalCooldown is the fixed user-wide gap between normal proactive sends,
// independent of per-persona cooldowns. Left-on-read sends bypass it.
const GlobalCooldown = 30 * time.Minute

type TriggerType string

const (
	TriggerNormal     TriggerType = "normal"
	TriggerLeftOnRead TriggerType = "left_on_read"
)

// Candidate is one pair eligible for a proactive send this sweep.
type Candidate struct {
	UserID         string
	PersonaID      string
	ConversationID string
	GapHours       float64
	Trigger        TriggerType
	IsFirstMessage bool
	Persona        *store.Persona
}

// Result of one sweep. Unmatchable pairs already sit at the consecutive cap
// and are handed to the caller to unmatch instead of being silently dropped.
type Result struct {
	Candidates  []Candidate
	Unmatchable []Candidate
}

// StateStore persists sweep and rate bookkeeping. Lookups return a zero
// value, not an error, when no record exists yet.
type StateStore interface {
	SweepState(ctx context.Context, userID string) (*store.SweepState, error)
	SaveSweepState(ctx context.Context, userID string, st *store.SweepState) error
	RateState(ctx context.Context, userID, personaID string) (*store.RateState, error)
	SaveRateState(ctx context.Context, userID, personaID string, st *store.RateState) error
}

// ConversationSource is the read-only slice of the conversation store the
// finder needs.
type ConversationSource interface {
	ListUserIDs(ctx context.Context) ([]string, error)
	ListMatches(ctx context.Context, userID string) ([]store.Match, error)
	// LastMessage returns nil when the conversation is empty.
	LastMessage(ctx context.Context, conversationID string) (*store.Message, error)
	// LastUserMessageAt returns the zero time when the user never wrote.
	LastUserMessageAt(ctx context.Context, conversationID string) (time.Time, error)
	Conversation(ctx context.Context, conversationID string) (*store.Conversation, error)
	Persona(ctx context.Context, personaID string) (*store.Persona, error)
}

type SettingsSource interface {
	UserSettings(ctx context.Context, userID string) (*store.Settings, error)
}

type Finder struct {
	convs    ConversationSource
	states   StateStore
	settings SettingsSource
	now      func() time.Time
	rand     func() float64
}

type FinderOption func(*Finder)

func WithClock(now func() time.Time) FinderOption {
	return func(f *Finder) { f.now = now }
}

func WithRand(r func() float64) FinderOption {
	return func(f *Finder) { f.rand = r }
}

func NewFinder(convs ConversationSource, states StateStore, settings SettingsSource, opts ...FinderOption) *Finder {
	f := &Finder{
		convs:    convs,
		states:   states,
		settings: settings,
		now:      time.Now,
		rand:     rand.Float64,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Sweep visits every user and returns the candidates eligible this tick.
// Left-on-read candidates sort first (their trigger window is perishable),
// then normal candidates by descending gap. Per-user failures are logged
// and skipped so one broken user cannot stall the sweep.
func (f *Finder) Sweep(ctx context.Context) (*Result, error) {
	users, err := f.convs.ListUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, userID := range users {
		if err := f.sweepUser(ctx, userID, res); err != nil {
			logger.Warnf("proactive sweep: user %s skipped: %v", userID, err)
		}
	}

	sort.SliceStable(res.Candidates, func(i, j int) bool {
		a, b := res.Candidates[i], res.Candidates[j]
		if a.Trigger != b.Trigger {
			return a.Trigger == TriggerLeftOnRead
		}
		return a.GapHours > b.GapHours
	})
	return res, nil
}

func (f *Finder) sweepUser(ctx context.Context, userID string, res *Result) error {
	now := f.now()

	st, err := f.states.SweepState(ctx, userID)
	if err != nil {
		return err
	}
	ResetDailyCounters(st, now)

	// Check pacing: skip unless the randomized per-user interval elapsed.
	if !st.LastCheckAt.IsZero() && st.NextCheckInterval > 0 && now.Sub(st.LastCheckAt) < st.NextCheckInterval {
		return nil
	}

	settings, err := f.settings.UserSettings(ctx, userID)
	if err != nil {
		return err
	}

	// Stamp the visit and draw a fresh interval regardless of outcome.
	st.LastCheckAt = now
	st.NextCheckInterval = f.drawCheckInterval(settings)
	if err := f.states.SaveSweepState(ctx, userID, st); err != nil {
		return err
	}

	matches, err := f.convs.ListMatches(ctx, userID)
	if err != nil {
		return err
	}

	overDailyCap := st.DailyProactiveCount >= settings.DailyProactiveLimit
	underGlobalCooldown := !st.GlobalCooldownAt.IsZero() && now.Sub(st.GlobalCooldownAt) < GlobalCooldown

	for _, m := range matches {
		if err := f.evalPair(ctx, m, st, settings, overDailyCap, underGlobalCooldown, res); err != nil {
			logger.Warnf("proactive sweep: pair %s/%s skipped: %v", m.UserID, m.PersonaID, err)
		}
	}
	return nil
}

func (f *Finder) evalPair(ctx context.Context, m store.Match, sweepSt *store.SweepState, settings *store.Settings, overDailyCap, underGlobalCooldown bool, res *Result) error {
	now := f.now()

	last, err := f.convs.LastMessage(ctx, m.ConversationID)
	if err != nil {
		return err
	}

	rate, err := f.states.RateState(ctx, m.UserID, m.PersonaID)
	if err != nil {
		return err
	}
	if rate.CooldownMinutes == 0 {
		rate.CooldownMinutes = settings.BaseCooldownMinutes
	}

	// A user message or a normal persona reply clears the slate: the last
	// proactive run was answered, so escalation starts over.
	if last != nil && (last.Sender == store.SenderUser || (last.Sender == store.SenderPersona && !last.IsProactive)) {
		if rate.ConsecutiveCount != 0 || rate.CooldownMinutes != settings.BaseCooldownMinutes {
			rate.ConsecutiveCount = 0
			rate.CooldownMinutes = settings.BaseCooldownMinutes
			if err := f.states.SaveRateState(ctx, m.UserID, m.PersonaID, rate); err != nil {
				return err
			}
		}
	}

	persona, err := f.convs.Persona(ctx, m.PersonaID)
	if err != nil {
		return err
	}

	gapHours, isFirst, err := f.gapHours(ctx, m, now)
	if err != nil {
		return err
	}

	// Left-on-read runs independently of daily cap, global cooldown, and
	// escalated cooldowns; it carries its own cap and cooldown.
	if c := f.evalLeftOnRead(ctx, m, last, rate, sweepSt, settings, persona, gapHours, isFirst); c != nil {
		res.Candidates = append(res.Candidates, *c)
	}

	if overDailyCap || underGlobalCooldown {
		return nil
	}
	if !rate.LastProactiveAt.IsZero() && now.Sub(rate.LastProactiveAt) < time.Duration(rate.CooldownMinutes)*time.Minute {
		return nil
	}
	if settings.MaxConsecutiveProactive > 0 && rate.ConsecutiveCount >= settings.MaxConsecutiveProactive {
		res.Unmatchable = append(res.Unmatchable, Candidate{
			UserID:         m.UserID,
			PersonaID:      m.PersonaID,
			ConversationID: m.ConversationID,
			GapHours:       gapHours,
			Trigger:        TriggerNormal,
			IsFirstMessage: isFirst,
			Persona:        persona,
		})
		return nil
	}
	if gapHours < settings.MinGapHours {
		return nil
	}

	avail := schedule.Resolve(persona.Schedule, now)
	chance := statusChance(avail.Status, settings)
	if chance <= 0 {
		return nil
	}
	if f.rand() > chance {
		return nil
	}

	// Second, independent gate: longer silences make a send more likely,
	// capped at 50%.
	sendChance := gapHours * 0.05
	if sendChance > 0.5 {
		sendChance = 0.5
	}
	if f.rand() > sendChance {
		return nil
	}

	res.Candidates = append(res.Candidates, Candidate{
		UserID:         m.UserID,
		PersonaID:      m.PersonaID,
		ConversationID: m.ConversationID,
		GapHours:       gapHours,
		Trigger:        TriggerNormal,
		IsFirstMessage: isFirst,
		Persona:        persona,
	})
	return nil
}

func (f *Finder) evalLeftOnRead(ctx context.Context, m store.Match, last *store.Message, rate *store.RateState, sweepSt *store.SweepState, settings *store.Settings, persona *store.Persona, gapHours float64, isFirst bool) *Candidate {
	if last == nil || last.Sender != store.SenderPersona || last.IsProactive {
		return nil
	}
	if sweepSt.DailyLeftOnReadCount >= settings.DailyLeftOnReadLimit {
		return nil
	}
	now := f.now()
	if !rate.LastLeftOnReadAt.IsZero() && now.Sub(rate.LastLeftOnReadAt) < time.Duration(settings.LeftOnReadCooldownMinutes)*time.Minute {
		return nil
	}

	conv, err := f.convs.Conversation(ctx, m.ConversationID)
	if err != nil || conv == nil {
		return nil
	}
	// The user must have opened the conversation after the reply was sent
	// and then gone quiet for a while, but not too long.
	if !conv.LastOpenedAt.After(last.CreatedAt) {
		return nil
	}
	sinceOpen := now.Sub(conv.LastOpenedAt).Minutes()
	if sinceOpen < float64(settings.LeftOnReadTriggerMinMinutes) || sinceOpen > float64(settings.LeftOnReadTriggerMaxMinutes) {
		return nil
	}

	return &Candidate{
		UserID:         m.UserID,
		PersonaID:      m.PersonaID,
		ConversationID: m.ConversationID,
		GapHours:       gapHours,
		Trigger:        TriggerLeftOnRead,
		IsFirstMessage: isFirst,
		Persona:        persona,
	}
}

// gapHours is the silence length: hours since the user's last message, or
// since the match was created when the user never wrote.
func (f *Finder) gapHours(ctx context.Context, m store.Match, now time.Time) (float64, bool, error) {
	lastUserAt, err := f.convs.LastUserMessageAt(ctx, m.ConversationID)
	if err != nil {
		return 0, false, err
	}
	if lastUserAt.IsZero() {
		return now.Sub(m.CreatedAt).Hours(), true, nil
	}
	return now.Sub(lastUserAt).Hours(), false, nil
}

func (f *Finder) drawCheckInterval(settings *store.Settings) time.Duration {
	lo := time.Duration(settings.CheckIntervalMinMinutes) * time.Minute
	hi := time.Duration(settings.CheckIntervalMaxMinutes) * time.Minute
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(f.rand()*float64(hi-lo))
}

func statusChance(status schedule.Status, settings *store.Settings) float64 {
	switch status {
	case schedule.StatusOnline:
		return settings.OnlineChance
	case schedule.StatusAway:
		return settings.AwayChance
	case schedule.StatusBusy:
		return settings.BusyChance
	default:
		return 0
	}
}

// ResetDailyCounters zeroes the daily counters when the stored date lags the
// current local day. Counters reset lazily on read, not by a background job.
func ResetDailyCounters(st *store.SweepState, now time.Time) {
	date := now.Format("2006-01-02")
	if st.CountersDate != date {
		st.CountersDate = date
		st.DailyProactiveCount = 0
		st.DailyLeftOnReadCount = 0
	}
}
