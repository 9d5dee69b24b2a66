package chat

import (
	"strings"
)

// CleanReply normalizes raw model output before it is split into message
// parts: trims whitespace and converts em-dash asides into sentence breaks,
// which read more like chat messages and less like prose.
func CleanReply(raw string) string {
	s := strings.TrimSpace(raw)
	s = normalizeEmDashes(s)
	return strings.TrimSpace(s)
}

func normalizeEmDashes(s string) string {
	s = strings.ReplaceAll(s, " — ", ". ")
	s = strings.ReplaceAll(s, "—", ". ")
	return s
}

// SplitParts breaks a cleaned reply on newlines into the ordered list of
// messages to send. Blank lines are dropped.
func SplitParts(cleaned string) []string {
	var parts []string
	for _, line := range strings.Split(cleaned, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			parts = append(parts, line)
		}
	}
	return parts
}

// StripEmoji removes emoji and pictographic runes, keeping everything else.
func StripEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isEmojiRune(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, transport, supplemental
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r == 0xFE0F || r == 0x200D: // variation selector, ZWJ
		return true
	}
	return false
}

// isDuplicateReply reports whether cleaned (as a whole, or its first line)
// exactly matches any of the persona's recent messages.
func isDuplicateReply(cleaned string, recent []string) bool {
	firstLine := cleaned
	if idx := strings.IndexByte(cleaned, '\n'); idx >= 0 {
		firstLine = strings.TrimSpace(cleaned[:idx])
	}
	for _, prev := range recent {
		prev = strings.TrimSpace(prev)
		if prev == "" {
			continue
		}
		if prev == cleaned || prev == firstLine {
			return true
		}
	}
	return false
}
