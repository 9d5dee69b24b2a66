package store

import (
	"time"

	"kindled/pkg/schedule"
)

type Sender string

const (
	SenderUser    Sender = "user"
	SenderPersona Sender = "persona"
	SenderSystem  Sender = "system"
)

type MessageType string

const (
	MessageText      MessageType = "text"
	MessageImage     MessageType = "image"
	MessageVoice     MessageType = "voice"
	MessageSeparator MessageType = "separator"
	MessageTimeGap   MessageType = "time_gap"
	MessageSummary   MessageType = "summary"
)

// SeparatorKind distinguishes the system separator rows inserted around
// match lifecycle events.
type SeparatorKind string

const (
	SeparatorUnmatch SeparatorKind = "unmatch"
	SeparatorRematch SeparatorKind = "rematch"
)

type Message struct {
	ID             string        `json:"id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	Sender         Sender        `json:"sender"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"`
	Separator      SeparatorKind `json:"separator,omitempty"`
	ImagePath      string        `json:"image_path,omitempty"`
	AudioPath      string        `json:"audio_path,omitempty"`
	Reaction       string        `json:"reaction,omitempty"`
	Mood           string        `json:"mood,omitempty"`
	IsProactive    bool          `json:"is_proactive,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

type Conversation struct {
	ID           string    `json:"id,omitempty"`
	UserID       string    `json:"user_id"`
	PersonaID    string    `json:"persona_id"`
	UnreadCount  int       `json:"unread_count"`
	LastOpenedAt time.Time `json:"last_opened_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Match is the live relationship between a user and a persona. Deleting the
// match ends the relationship; the conversation record and its history stay.
type Match struct {
	UserID         string    `json:"user_id"`
	PersonaID      string    `json:"persona_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Persona is the static profile of a character: identity, capabilities, and
// the weekly availability schedule the resolver runs against.
type Persona struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Mood      string          `json:"mood,omitempty"`
	Schedule  schedule.Weekly `json:"schedule,omitempty"`
	HasImages bool            `json:"has_images"`
	HasVoice  bool            `json:"has_voice"`
	VoiceID   string          `json:"voice_id,omitempty"`
	// ImageTags is the persona's controlled vocabulary of base image tags.
	ImageTags []string `json:"image_tags,omitempty"`
}

// Settings is the per-user scheduling configuration. Zero values are filled
// from config defaults by the settings reader.
type Settings struct {
	DailyProactiveLimit         int     `json:"daily_proactive_limit" yaml:"daily_proactive_limit"`
	DailyLeftOnReadLimit        int     `json:"daily_left_on_read_limit" yaml:"daily_left_on_read_limit"`
	OnlineChance                float64 `json:"online_chance" yaml:"online_chance"`
	AwayChance                  float64 `json:"away_chance" yaml:"away_chance"`
	BusyChance                  float64 `json:"busy_chance" yaml:"busy_chance"`
	CheckIntervalMinMinutes     int     `json:"check_interval_min_minutes" yaml:"check_interval_min_minutes"`
	CheckIntervalMaxMinutes     int     `json:"check_interval_max_minutes" yaml:"check_interval_max_minutes"`
	MinGapHours                 float64 `json:"min_gap_hours" yaml:"min_gap_hours"`
	MaxConsecutiveProactive     int     `json:"max_consecutive_proactive" yaml:"max_consecutive_proactive"`
	BaseCooldownMinutes         int     `json:"base_cooldown_minutes" yaml:"base_cooldown_minutes"`
	CooldownMultiplier          float64 `json:"cooldown_multiplier" yaml:"cooldown_multiplier"`
	AutoUnmatchAfterProactive   bool    `json:"auto_unmatch_after_proactive" yaml:"auto_unmatch_after_proactive"`
	LeftOnReadTriggerMinMinutes int     `json:"left_on_read_trigger_min_minutes" yaml:"left_on_read_trigger_min_minutes"`
	LeftOnReadTriggerMaxMinutes int     `json:"left_on_read_trigger_max_minutes" yaml:"left_on_read_trigger_max_minutes"`
	LeftOnReadCooldownMinutes   int     `json:"left_on_read_cooldown_minutes" yaml:"left_on_read_cooldown_minutes"`
	GenerationRetries           bool    `json:"generation_retries" yaml:"generation_retries"`
}

// RateState is the per-(user, persona) proactive bookkeeping. Mutated only
// by the rate limiter after a successful send, and reset whenever the slate
// clears (user message or a reactive persona reply).
type RateState struct {
	LastProactiveAt  time.Time `json:"last_proactive_at,omitempty"`
	ConsecutiveCount int       `json:"consecutive_count"`
	CooldownMinutes  int       `json:"cooldown_minutes"`
	LastLeftOnReadAt time.Time `json:"last_left_on_read_at,omitempty"`
}

// SweepState is the per-user sweep bookkeeping: check pacing, the user-wide
// global cooldown, and the lazily-reset daily counters.
type SweepState struct {
	LastCheckAt           time.Time     `json:"last_check_at,omitempty"`
	NextCheckInterval     time.Duration `json:"next_check_interval,omitempty"`
	GlobalCooldownAt      time.Time     `json:"global_cooldown_at,omitempty"`
	DailyProactiveCount   int           `json:"daily_proactive_count"`
	DailyLeftOnReadCount  int           `json:"daily_left_on_read_count"`
	CountersDate          string        `json:"counters_date,omitempty"`
}
