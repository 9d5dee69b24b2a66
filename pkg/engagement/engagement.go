// Package engagement tracks whether a persona is treating a conversation as
// live. Each (user, persona) pair owns one PairState; the Machine decides,
// per reactive turn, whether the persona replies, stays silent, or says
// goodbye and leaves.
package engagement

import (
	"math/rand"
	"time"

	"kindled/pkg/schedule"
)

type State string

const (
	Disengaged State = "disengaged"
	Engaged    State = "engaged"
)

// Outcome is the result of evaluating one reactive turn.
type Outcome int

const (
	// OutcomeSilent means no reply this turn; the user sees nothing.
	OutcomeSilent Outcome = iota
	// OutcomeRespond means generate a normal reply.
	OutcomeRespond
	// OutcomeDeparting means generate a farewell-framed reply, then call
	// Depart to move the pair back to Disengaged.
	OutcomeDeparting
	// OutcomeCooldown means the persona left during the current availability
	// window and must not re-engage until the status changes.
	OutcomeCooldown
)

// PairState is the mutable engagement record for one (user, persona) pair.
// Created lazily on first interaction; deleted only when the match is.
type PairState struct {
	State            State           `json:"state"`
	CurrentStatus    schedule.Status `json:"current_status"`
	DepartedStatus   schedule.Status `json:"departed_status,omitempty"`
	EngagedAt        time.Time       `json:"engaged_at,omitempty"`
	EngagedFor       time.Duration   `json:"engaged_for,omitempty"`
	LastMoodChangeAt time.Time       `json:"last_mood_change_at,omitempty"`
}

func NewPairState() *PairState {
	return &PairState{State: Disengaged}
}

const (
	// engageChance is the probability a disengaged persona picks up a new
	// conversation turn.
	engageChance = 0.70

	minEngagedWindow = 8 * time.Minute
	maxEngagedWindow = 20 * time.Minute
)

// Machine evaluates engagement transitions. The zero value is not usable;
// construct with New. Rand and Now are injectable for tests.
type Machine struct {
	now  func() time.Time
	rand func() float64
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithRand(r func() float64) Option {
	return func(m *Machine) { m.rand = r }
}

func New(opts ...Option) *Machine {
	m := &Machine{
		now:  time.Now,
		rand: rand.Float64,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Evaluate decides the outcome of one reactive turn and applies the
// transition to st. avail is the persona's current availability; callers
// must have already ruled out offline via ResponseDelay.
func (m *Machine) Evaluate(st *PairState, avail schedule.Availability) Outcome {
	st.CurrentStatus = avail.Status

	// Departed cooldown: the persona "left" during this status window and
	// stays gone until the schedule moves it to a different status.
	if st.DepartedStatus != "" {
		if st.DepartedStatus == avail.Status {
			return OutcomeCooldown
		}
		st.DepartedStatus = ""
	}

	switch st.State {
	case Engaged:
		if st.EngagedFor > 0 && m.now().Sub(st.EngagedAt) > st.EngagedFor {
			return OutcomeDeparting
		}
		return OutcomeRespond
	default:
		if m.rand() < engageChance {
			st.State = Engaged
			st.EngagedAt = m.now()
			st.EngagedFor = minEngagedWindow + time.Duration(m.rand()*float64(maxEngagedWindow-minEngagedWindow))
			return OutcomeRespond
		}
		return OutcomeSilent
	}
}

// Depart finalizes an OutcomeDeparting turn after the farewell reply was
// generated: the pair goes back to Disengaged and remembers the status it
// left under, which arms the cooldown in Evaluate.
func (m *Machine) Depart(st *PairState) {
	st.State = Disengaged
	st.DepartedStatus = st.CurrentStatus
	st.EngagedAt = time.Time{}
	st.EngagedFor = 0
}

// ResponseDelay derives a human-plausible delay before the persona starts
// typing. ok is false when the persona should not respond at all (offline).
func (m *Machine) ResponseDelay(status schedule.Status) (delay time.Duration, ok bool) {
	var lo, hi time.Duration
	switch status {
	case schedule.StatusOnline:
		lo, hi = 400*time.Millisecond, 1500*time.Millisecond
	case schedule.StatusAway:
		lo, hi = 800*time.Millisecond, 2500*time.Millisecond
	case schedule.StatusBusy:
		lo, hi = 1500*time.Millisecond, 3500*time.Millisecond
	default:
		return 0, false
	}
	return lo + time.Duration(m.rand()*float64(hi-lo)), true
}
