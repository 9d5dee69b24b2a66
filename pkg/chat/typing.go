package chat

import "time"

// TypingConfig controls how long the typing indicator stays up before a
// reply lands.
type TypingConfig struct {
	BaseCharsPerSecond float64
	MinDuration        time.Duration
	MaxDuration        time.Duration
	Variation          float64
}

// DefaultTypingConfig reads slower than real typing to leave room for
// "thinking" time.
var DefaultTypingConfig = TypingConfig{
	BaseCharsPerSecond: 25.0,
	MinDuration:        800 * time.Millisecond,
	MaxDuration:        4 * time.Second,
	Variation:          0.3,
}

// typingDuration derives the indicator window from reply length and the
// persona's current mood, with random variation clamped to min/max.
func typingDuration(messageLength int, mood string, cfg TypingConfig, roll float64) time.Duration {
	base := time.Duration(float64(messageLength) / cfg.BaseCharsPerSecond * float64(time.Second))

	mult := 1.0
	switch mood {
	case "excited", "flirty":
		mult = 0.7
	case "sleepy", "tired":
		mult = 1.5
	case "sad", "thoughtful":
		mult = 1.3
	case "annoyed":
		mult = 1.1
	}
	d := time.Duration(float64(base) * mult)

	variation := 1.0 + (roll*2-1)*cfg.Variation
	d = time.Duration(float64(d) * variation)

	if d < cfg.MinDuration {
		d = cfg.MinDuration
	}
	if d > cfg.MaxDuration {
		d = cfg.MaxDuration
	}
	return d
}
