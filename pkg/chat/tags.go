package chat

import "strings"

// tagModifiers are the color/style descriptors that may be prefixed to a
// persona's base tags. "red dress" is valid when "dress" is in the persona
// vocabulary even though "red dress" itself is not.
var tagModifiers = map[string]bool{
	"red": true, "blue": true, "green": true, "black": true, "white": true,
	"pink": true, "purple": true, "yellow": true, "orange": true,
	"golden": true, "silver": true, "dark": true, "light": true,
	"pastel": true, "neon": true, "cute": true, "elegant": true,
	"casual": true, "cozy": true,
}

// ValidateImageTags filters model-chosen tags down to the persona's
// controlled vocabulary. A tag passes on exact match, or as a known
// modifier prefixed to a valid base tag. Everything else is discarded.
func ValidateImageTags(requested, vocabulary []string) []string {
	if len(requested) == 0 || len(vocabulary) == 0 {
		return nil
	}

	vocab := make(map[string]bool, len(vocabulary))
	for _, t := range vocabulary {
		vocab[strings.ToLower(strings.TrimSpace(t))] = true
	}

	var valid []string
	seen := make(map[string]bool)
	for _, raw := range requested {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" || seen[tag] {
			continue
		}
		if vocab[tag] {
			seen[tag] = true
			valid = append(valid, tag)
			continue
		}
		if mod, base, ok := strings.Cut(tag, " "); ok && tagModifiers[mod] && vocab[strings.TrimSpace(base)] {
			seen[tag] = true
			valid = append(valid, tag)
		}
	}
	return valid
}
