package proactive

import (
	"context"
	"testing"
	"time"

	"kindled/pkg/schedule"
	"kindled/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStates struct {
	sweep map[string]*store.SweepState
	rate  map[string]*store.RateState
}

func newMemStates() *memStates {
	return &memStates{
		sweep: make(map[string]*store.SweepState),
		rate:  make(map[string]*store.RateState),
	}
}

func (m *memStates) SweepState(ctx context.Context, userID string) (*store.SweepState, error) {
	if st, ok := m.sweep[userID]; ok {
		cp := *st
		return &cp, nil
	}
	return &store.SweepState{}, nil
}

func (m *memStates) SaveSweepState(ctx context.Context, userID string, st *store.SweepState) error {
	cp := *st
	m.sweep[userID] = &cp
	return nil
}

func (m *memStates) RateState(ctx context.Context, userID, personaID string) (*store.RateState, error) {
	if st, ok := m.rate[userID+":"+personaID]; ok {
		cp := *st
		return &cp, nil
	}
	return &store.RateState{}, nil
}

func (m *memStates) SaveRateState(ctx context.Context, userID, personaID string, st *store.RateState) error {
	cp := *st
	m.rate[userID+":"+personaID] = &cp
	return nil
}

type mockConvs struct {
	users      []string
	matches    map[string][]store.Match
	lastMsg    map[string]*store.Message
	lastUserAt map[string]time.Time
	convs      map[string]*store.Conversation
	personas   map[string]*store.Persona
}

func (m *mockConvs) ListUserIDs(ctx context.Context) ([]string, error) { return m.users, nil }

func (m *mockConvs) ListMatches(ctx context.Context, userID string) ([]store.Match, error) {
	return m.matches[userID], nil
}

func (m *mockConvs) LastMessage(ctx context.Context, conversationID string) (*store.Message, error) {
	return m.lastMsg[conversationID], nil
}

func (m *mockConvs) LastUserMessageAt(ctx context.Context, conversationID string) (time.Time, error) {
	return m.lastUserAt[conversationID], nil
}

func (m *mockConvs) Conversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return m.convs[conversationID], nil
}

func (m *mockConvs) Persona(ctx context.Context, personaID string) (*store.Persona, error) {
	return m.personas[personaID], nil
}

type mockSettings struct {
	s *store.Settings
}

func (m *mockSettings) UserSettings(ctx context.Context, userID string) (*store.Settings, error) {
	cp := *m.s
	return &cp, nil
}

func testSettings() *store.Settings {
	return &store.Settings{
		DailyProactiveLimit:         5,
		DailyLeftOnReadLimit:        3,
		OnlineChance:                1.0,
		AwayChance:                  0.5,
		BusyChance:                  0.1,
		CheckIntervalMinMinutes:     10,
		CheckIntervalMaxMinutes:     30,
		MinGapHours:                 1,
		MaxConsecutiveProactive:     4,
		BaseCooldownMinutes:         60,
		CooldownMultiplier:          2,
		AutoUnmatchAfterProactive:   true,
		LeftOnReadTriggerMinMinutes: 5,
		LeftOnReadTriggerMaxMinutes: 60,
		LeftOnReadCooldownMinutes:   120,
		GenerationRetries:           true,
	}
}

func alwaysStatus(status schedule.Status) schedule.Weekly {
	w := schedule.Weekly{}
	for d := time.Sunday; d <= time.Saturday; d++ {
		w[schedule.DayKey(d)] = []schedule.Block{{Start: "00:00", End: "24:00", Status: status}}
	}
	return w
}

type fixture struct {
	finder *Finder
	states *memStates
	convs  *mockConvs
	now    time.Time
}

func newFixture(t *testing.T, randVal float64) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	convs := &mockConvs{
		users: []string{"u1"},
		matches: map[string][]store.Match{
			"u1": {{UserID: "u1", PersonaID: "p1", ConversationID: "c1", CreatedAt: now.Add(-48 * time.Hour)}},
		},
		lastMsg:    map[string]*store.Message{},
		lastUserAt: map[string]time.Time{"c1": now.Add(-10 * time.Hour)},
		convs:      map[string]*store.Conversation{"c1": {ID: "c1", UserID: "u1", PersonaID: "p1"}},
		personas: map[string]*store.Persona{
			"p1": {ID: "p1", Name: "Ava", Schedule: alwaysStatus(schedule.StatusOnline)},
		},
	}
	states := newMemStates()
	f := NewFinder(convs, states, &mockSettings{s: testSettings()},
		WithClock(func() time.Time { return now }),
		WithRand(func() float64 { return randVal }),
	)
	return &fixture{finder: f, states: states, convs: convs, now: now}
}

func TestSweepEmitsNormalCandidate(t *testing.T) {
	fx := newFixture(t, 0.0)

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)

	c := res.Candidates[0]
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, "p1", c.PersonaID)
	assert.Equal(t, TriggerNormal, c.Trigger)
	assert.InDelta(t, 10.0, c.GapHours, 0.01)
	assert.False(t, c.IsFirstMessage)
	require.NotNil(t, c.Persona)
	assert.Equal(t, "Ava", c.Persona.Name)
}

func TestSweepIdempotentWithinCheckInterval(t *testing.T) {
	fx := newFixture(t, 0.0)

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)

	// The interval was drawn on the first visit and has not elapsed.
	res, err = fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.Empty(t, res.Unmatchable)
}

func TestSweepStampsCheckEvenWhenNothingEligible(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.convs.lastUserAt["c1"] = fx.now.Add(-10 * time.Minute) // below min gap

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)

	st := fx.states.sweep["u1"]
	require.NotNil(t, st)
	assert.Equal(t, fx.now, st.LastCheckAt)
	assert.GreaterOrEqual(t, st.NextCheckInterval, 10*time.Minute)
}

func TestSweepRespectsDailyCap(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.states.sweep["u1"] = &store.SweepState{
		DailyProactiveCount: 5,
		CountersDate:        fx.now.Format("2006-01-02"),
	}

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestSweepDailyCapResetsNextDay(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.states.sweep["u1"] = &store.SweepState{
		DailyProactiveCount: 5,
		CountersDate:        fx.now.AddDate(0, 0, -1).Format("2006-01-02"),
	}

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
}

func TestSweepGlobalCooldownBlocksNormal(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.states.sweep["u1"] = &store.SweepState{
		GlobalCooldownAt: fx.now.Add(-10 * time.Minute),
		CountersDate:     fx.now.Format("2006-01-02"),
	}

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestSweepGlobalCooldownExpired(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.states.sweep["u1"] = &store.SweepState{
		GlobalCooldownAt: fx.now.Add(-31 * time.Minute),
		CountersDate:     fx.now.Format("2006-01-02"),
	}

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
}

func TestSweepEscalatedCooldownSkips(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.states.rate["u1:p1"] = &store.RateState{
		LastProactiveAt:  fx.now.Add(-90 * time.Minute),
		ConsecutiveCount: 2,
		CooldownMinutes:  240,
	}
	// Last message is a proactive persona message, so the slate stays dirty.
	fx.convs.lastMsg["c1"] = &store.Message{
		Sender: store.SenderPersona, IsProactive: true, CreatedAt: fx.now.Add(-90 * time.Minute),
	}
	fx.convs.lastUserAt["c1"] = fx.now.Add(-10 * time.Hour)

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestSweepSlateResetOnUserReply(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.states.rate["u1:p1"] = &store.RateState{
		LastProactiveAt:  fx.now.Add(-5 * time.Hour),
		ConsecutiveCount: 3,
		CooldownMinutes:  480,
	}
	fx.convs.lastMsg["c1"] = &store.Message{
		Sender: store.SenderUser, CreatedAt: fx.now.Add(-10 * time.Hour),
	}

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)

	rate := fx.states.rate["u1:p1"]
	assert.Equal(t, 0, rate.ConsecutiveCount)
	assert.Equal(t, 60, rate.CooldownMinutes)
}

func TestSweepAtCapEmitsUnmatchable(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.states.rate["u1:p1"] = &store.RateState{
		LastProactiveAt:  fx.now.Add(-24 * time.Hour),
		ConsecutiveCount: 4,
		CooldownMinutes:  960,
	}
	fx.convs.lastMsg["c1"] = &store.Message{
		Sender: store.SenderPersona, IsProactive: true, CreatedAt: fx.now.Add(-24 * time.Hour),
	}

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	require.Len(t, res.Unmatchable, 1)
	assert.Equal(t, "p1", res.Unmatchable[0].PersonaID)
}

func TestSweepMinGapSkips(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.convs.lastUserAt["c1"] = fx.now.Add(-30 * time.Minute)

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestSweepOfflineNeverEligible(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.convs.personas["p1"].Schedule = alwaysStatus(schedule.StatusOffline)

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestSweepBusyChanceGate(t *testing.T) {
	// Roll above the busy chance: rejected.
	fx := newFixture(t, 0.5)
	fx.convs.personas["p1"].Schedule = alwaysStatus(schedule.StatusBusy)
	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)

	// Roll below both the busy chance and the gap chance: accepted.
	fx = newFixture(t, 0.05)
	fx.convs.personas["p1"].Schedule = alwaysStatus(schedule.StatusBusy)
	res, err = fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
}

func TestSweepGapChanceGate(t *testing.T) {
	// gap 2h → send chance 10%; a 0.2 roll passes the online gate (chance
	// 1.0) but fails the gap gate.
	fx := newFixture(t, 0.2)
	fx.convs.lastUserAt["c1"] = fx.now.Add(-2 * time.Hour)

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestSweepFirstMessageGapFromMatchCreation(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.convs.lastUserAt["c1"] = time.Time{}

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.True(t, res.Candidates[0].IsFirstMessage)
	assert.InDelta(t, 48.0, res.Candidates[0].GapHours, 0.01)
}

func leftOnReadFixture(t *testing.T) *fixture {
	t.Helper()
	fx := newFixture(t, 0.0)
	fx.convs.lastMsg["c1"] = &store.Message{
		Sender:    store.SenderPersona,
		CreatedAt: fx.now.Add(-40 * time.Minute),
	}
	fx.convs.convs["c1"].LastOpenedAt = fx.now.Add(-10 * time.Minute)
	// Keep the normal path quiet so only left-on-read fires.
	fx.convs.lastUserAt["c1"] = fx.now.Add(-30 * time.Minute)
	return fx
}

func TestLeftOnReadTrigger(t *testing.T) {
	fx := leftOnReadFixture(t)

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, TriggerLeftOnRead, res.Candidates[0].Trigger)
}

func TestLeftOnReadBypassesGlobalCooldown(t *testing.T) {
	fx := leftOnReadFixture(t)
	fx.states.sweep["u1"] = &store.SweepState{
		GlobalCooldownAt: fx.now.Add(-5 * time.Minute),
		CountersDate:     fx.now.Format("2006-01-02"),
	}

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, TriggerLeftOnRead, res.Candidates[0].Trigger)
}

func TestLeftOnReadRequiresReopenAfterReply(t *testing.T) {
	fx := leftOnReadFixture(t)
	fx.convs.convs["c1"].LastOpenedAt = fx.now.Add(-2 * time.Hour) // before the reply

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestLeftOnReadWindowBounds(t *testing.T) {
	fx := leftOnReadFixture(t)
	fx.convs.convs["c1"].LastOpenedAt = fx.now.Add(-3 * time.Minute) // too soon
	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)

	fx = leftOnReadFixture(t)
	fx.convs.lastMsg["c1"].CreatedAt = fx.now.Add(-3 * time.Hour)
	fx.convs.convs["c1"].LastOpenedAt = fx.now.Add(-90 * time.Minute) // too late
	res, err = fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestLeftOnReadDailyCap(t *testing.T) {
	fx := leftOnReadFixture(t)
	fx.states.sweep["u1"] = &store.SweepState{
		DailyLeftOnReadCount: 3,
		CountersDate:         fx.now.Format("2006-01-02"),
	}

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestLeftOnReadPerPersonaCooldown(t *testing.T) {
	fx := leftOnReadFixture(t)
	fx.states.rate["u1:p1"] = &store.RateState{
		LastLeftOnReadAt: fx.now.Add(-time.Hour),
	}

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestLeftOnReadSkipsProactiveLastMessage(t *testing.T) {
	fx := leftOnReadFixture(t)
	fx.convs.lastMsg["c1"].IsProactive = true

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestSweepPrioritizesLeftOnRead(t *testing.T) {
	fx := newFixture(t, 0.0)
	fx.convs.matches["u1"] = append(fx.convs.matches["u1"],
		store.Match{UserID: "u1", PersonaID: "p2", ConversationID: "c2", CreatedAt: fx.now.Add(-72 * time.Hour)})
	fx.convs.personas["p2"] = &store.Persona{ID: "p2", Name: "Mira", Schedule: alwaysStatus(schedule.StatusOnline)}
	fx.convs.convs["c2"] = &store.Conversation{ID: "c2", UserID: "u1", PersonaID: "p2", LastOpenedAt: fx.now.Add(-10 * time.Minute)}
	fx.convs.lastMsg["c2"] = &store.Message{Sender: store.SenderPersona, CreatedAt: fx.now.Add(-40 * time.Minute)}
	fx.convs.lastUserAt["c2"] = fx.now.Add(-30 * time.Minute)

	res, err := fx.finder.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, TriggerLeftOnRead, res.Candidates[0].Trigger)
	assert.Equal(t, TriggerNormal, res.Candidates[1].Trigger)
}
