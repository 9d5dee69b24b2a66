package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kindled/pkg/engagement"
	"kindled/pkg/realtime"
	"kindled/pkg/schedule"
	"kindled/pkg/store"
)

// memStore is an in-memory Store for pipeline and handler tests.
type memStore struct {
	mu       sync.Mutex
	nextID   int
	messages []store.Message
	convs    map[string]*store.Conversation
	personas map[string]*store.Persona
	matches  map[string]store.Match

	saveErr error
}

func newMemStore() *memStore {
	return &memStore{
		convs:    make(map[string]*store.Conversation),
		personas: make(map[string]*store.Persona),
		matches:  make(map[string]store.Match),
	}
}

func pairKey(userID, personaID string) string { return userID + ":" + personaID }

func (m *memStore) ListUserIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for _, match := range m.matches {
		if !seen[match.UserID] {
			seen[match.UserID] = true
			ids = append(ids, match.UserID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) ListMatches(ctx context.Context, userID string) ([]store.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Match
	for _, match := range m.matches {
		if match.UserID == userID {
			out = append(out, match)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonaID < out[j].PersonaID })
	return out, nil
}

func (m *memStore) convMessages(conversationID string) []store.Message {
	var out []store.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out
}

func (m *memStore) LastMessage(ctx context.Context, conversationID string) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.convMessages(conversationID)
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	return &last, nil
}

func (m *memStore) LastUserMessageAt(ctx context.Context, conversationID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.convMessages(conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == store.SenderUser {
			return msgs[i].CreatedAt, nil
		}
	}
	return time.Time{}, nil
}

func (m *memStore) Conversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ConversationFor(ctx context.Context, userID, personaID string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		if c.UserID == userID && c.PersonaID == personaID {
			cp := *c
			return &cp, nil
		}
	}
	c := &store.Conversation{
		ID:        fmt.Sprintf("conv-%s-%s", userID, personaID),
		UserID:    userID,
		PersonaID: personaID,
	}
	m.convs[c.ID] = c
	return c, nil
}

func (m *memStore) Persona(ctx context.Context, personaID string) (*store.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.personas[personaID]
	if !ok {
		return nil, fmt.Errorf("persona %s not found", personaID)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.convMessages(conversationID)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *memStore) OldestMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.convMessages(conversationID)
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *memStore) LastPersonaMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.convMessages(conversationID)
	var out []store.Message
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if msgs[i].Sender == store.SenderPersona {
			out = append(out, msgs[i])
		}
	}
	return out, nil
}

func (m *memStore) PersonaMessageCount(ctx context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.convMessages(conversationID) {
		if msg.Sender == store.SenderPersona {
			n++
		}
	}
	return n, nil
}

func (m *memStore) MessageCount(ctx context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convMessages(conversationID)), nil
}

func (m *memStore) SaveMessage(ctx context.Context, msg *store.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return "", m.saveErr
	}
	if msg.ID == "" {
		m.nextID++
		msg.ID = fmt.Sprintf("msg-%d", m.nextID)
	}
	m.messages = append(m.messages, *msg)
	return msg.ID, nil
}

func (m *memStore) DeleteMessage(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.messages {
		if msg.ID == messageID {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memStore) ReplaceOldest(ctx context.Context, conversationID string, n int, summary *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []store.Message
	removed := 0
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && removed < n {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	m.nextID++
	summary.ID = fmt.Sprintf("msg-%d", m.nextID)
	m.messages = append([]store.Message{*summary}, kept...)
	return nil
}

func (m *memStore) IncrementUnread(ctx context.Context, conversationID string, by int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[conversationID]; ok {
		c.UnreadCount += by
	}
	return nil
}

func (m *memStore) SetPersonaMood(ctx context.Context, personaID, mood string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.personas[personaID]; ok {
		p.Mood = mood
	}
	return nil
}

func (m *memStore) CreateMatch(ctx context.Context, userID, personaID string) (*store.Match, error) {
	conv, err := m.ConversationFor(ctx, userID, personaID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	match := store.Match{
		UserID:         userID,
		PersonaID:      personaID,
		ConversationID: conv.ID,
	}
	m.matches[pairKey(userID, personaID)] = match
	return &match, nil
}

func (m *memStore) DeleteMatch(ctx context.Context, userID, personaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.matches, pairKey(userID, personaID))
	return nil
}

// messagesOf returns every stored message in the conversation, in order.
func (m *memStore) messagesOf(conversationID string) []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Message(nil), m.convMessages(conversationID)...)
}

// memStates is an in-memory StateStore.
type memStates struct {
	mu    sync.Mutex
	sweep map[string]*store.SweepState
	rate  map[string]*store.RateState
	pairs map[string]*engagement.PairState
}

func newMemStates() *memStates {
	return &memStates{
		sweep: make(map[string]*store.SweepState),
		rate:  make(map[string]*store.RateState),
		pairs: make(map[string]*engagement.PairState),
	}
}

func (m *memStates) SweepState(ctx context.Context, userID string) (*store.SweepState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sweep[userID]; ok {
		cp := *st
		return &cp, nil
	}
	return &store.SweepState{}, nil
}

func (m *memStates) SaveSweepState(ctx context.Context, userID string, st *store.SweepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.sweep[userID] = &cp
	return nil
}

func (m *memStates) RateState(ctx context.Context, userID, personaID string) (*store.RateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.rate[pairKey(userID, personaID)]; ok {
		cp := *st
		return &cp, nil
	}
	return &store.RateState{}, nil
}

func (m *memStates) SaveRateState(ctx context.Context, userID, personaID string, st *store.RateState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.rate[pairKey(userID, personaID)] = &cp
	return nil
}

func (m *memStates) PairState(ctx context.Context, userID, personaID string) (*engagement.PairState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.pairs[pairKey(userID, personaID)]; ok {
		cp := *st
		return &cp, nil
	}
	return engagement.NewPairState(), nil
}

func (m *memStates) SavePairState(ctx context.Context, userID, personaID string, st *engagement.PairState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.pairs[pairKey(userID, personaID)] = &cp
	return nil
}

func (m *memStates) DeletePairState(ctx context.Context, userID, personaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pairs, pairKey(userID, personaID))
	delete(m.rate, pairKey(userID, personaID))
	return nil
}

type mockSettings struct {
	settings *store.Settings
}

func (m *mockSettings) UserSettings(ctx context.Context, userID string) (*store.Settings, error) {
	cp := *m.settings
	return &cp, nil
}

type mockText struct {
	completeFn func(msgs []Message) (string, error)
	calls      int
}

func (m *mockText) Complete(ctx context.Context, msgs []Message) (string, error) {
	m.calls++
	return m.completeFn(msgs)
}

type mockDecider struct {
	decideFn func(msgs []Message) (*Decision, error)
}

func (m *mockDecider) Decide(ctx context.Context, msgs []Message) (*Decision, error) {
	return m.decideFn(msgs)
}

type mockImages struct {
	generateFn func(tags []string) ([]byte, error)
}

func (m *mockImages) Generate(ctx context.Context, tags []string) ([]byte, error) {
	return m.generateFn(tags)
}

type mockVoices struct {
	synthesizeFn func(text, voiceID string) ([]byte, error)
}

func (m *mockVoices) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	return m.synthesizeFn(text, voiceID)
}

type mockMedia struct {
	mu     sync.Mutex
	images int
	audio  int
}

func (m *mockMedia) SaveImage(ctx context.Context, conversationID string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images++
	return fmt.Sprintf("/media/%s/img-%d.jpg", conversationID, m.images), nil
}

func (m *mockMedia) SaveAudio(ctx context.Context, conversationID string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio++
	return fmt.Sprintf("/media/%s/voice-%d.wav", conversationID, m.audio), nil
}

type recordedEvent struct {
	UserID string
	Event  realtime.Event
}

type mockNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (m *mockNotifier) Publish(userID string, ev realtime.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{UserID: userID, Event: ev})
}

func (m *mockNotifier) ofType(t realtime.EventType) []recordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []recordedEvent
	for _, e := range m.events {
		if e.Event.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func alwaysOnline() schedule.Weekly {
	block := schedule.Block{Start: "00:00", End: "24:00", Status: schedule.StatusOnline, Activity: "around"}
	w := schedule.Weekly{}
	for _, day := range []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"} {
		w[day] = []schedule.Block{block}
	}
	return w
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

// fixture wires a Handler against the in-memory fakes with a fixed clock
// and a controllable rand.
type fixture struct {
	h        *Handler
	store    *memStore
	states   *memStates
	notes    *mockNotifier
	text     *mockText
	decider  *mockDecider
	images   *mockImages
	voices   *mockVoices
	media    *mockMedia
	settings *store.Settings

	now     time.Time
	randVal float64
	slept   []time.Duration
}

func newFixture() *fixture {
	f := &fixture{
		store:    newMemStore(),
		states:   newMemStates(),
		notes:    &mockNotifier{},
		media:    &mockMedia{},
		settings: testSettings(),
		// Monday afternoon.
		now:     time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		randVal: 0.1,
	}
	f.text = &mockText{completeFn: func(msgs []Message) (string, error) { return "hey there", nil }}
	f.decider = &mockDecider{decideFn: func(msgs []Message) (*Decision, error) {
		return &Decision{ShouldRespond: true}, nil
	}}
	f.images = &mockImages{generateFn: func(tags []string) ([]byte, error) { return []byte("img"), nil }}
	f.voices = &mockVoices{synthesizeFn: func(text, voiceID string) ([]byte, error) { return []byte("wav"), nil }}

	f.store.personas["p1"] = &store.Persona{
		ID:        "p1",
		Name:      "June",
		Mood:      "cheerful",
		Schedule:  alwaysOnline(),
		HasImages: true,
		HasVoice:  true,
		VoiceID:   "june",
		ImageTags: []string{"selfie", "coffee", "dress"},
	}
	f.store.matches[pairKey("u1", "p1")] = store.Match{
		UserID:         "u1",
		PersonaID:      "p1",
		ConversationID: "c1",
		CreatedAt:      f.now.Add(-48 * time.Hour),
	}
	f.store.convs["c1"] = &store.Conversation{ID: "c1", UserID: "u1", PersonaID: "p1", CreatedAt: f.now.Add(-48 * time.Hour)}

	f.h = NewHandler(Deps{
		Store:    f.store,
		States:   f.states,
		Settings: &mockSettings{settings: f.settings},
		Text:     f.text,
		Decider:  f.decider,
		Images:   f.images,
		Voices:   f.voices,
		Media:    f.media,
		Notifier: f.notes,
	},
		WithClock(func() time.Time { return f.now }),
		WithRand(func() float64 { return f.randVal }),
		WithSleep(func(d time.Duration) { f.slept = append(f.slept, d) }),
	)
	return f
}

// seedUserMessage puts a user message in c1 at the given age.
func (f *fixture) seedUserMessage(age time.Duration, content string) {
	f.store.messages = append(f.store.messages, store.Message{
		ID:             fmt.Sprintf("seed-%d", len(f.store.messages)),
		ConversationID: "c1",
		Sender:         store.SenderUser,
		Type:           store.MessageText,
		Content:        content,
		CreatedAt:      f.now.Add(-age),
	})
}

// seedPersonaMessage puts a persona message in c1 at the given age.
func (f *fixture) seedPersonaMessage(age time.Duration, content string, isProactive bool) {
	f.store.messages = append(f.store.messages, store.Message{
		ID:             fmt.Sprintf("seed-%d", len(f.store.messages)),
		ConversationID: "c1",
		Sender:         store.SenderPersona,
		Type:           store.MessageText,
		Content:        content,
		IsProactive:    isProactive,
		CreatedAt:      f.now.Add(-age),
	})
}
