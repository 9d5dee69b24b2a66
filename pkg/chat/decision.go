package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decision is the structured output of the decision stage. It is untrusted
// model output: every field is optional and absent fields read as their zero
// value. It lives for one generation attempt and is never persisted.
type Decision struct {
	ShouldRespond   bool     `json:"should_respond"`
	ShouldUnmatch   bool     `json:"should_unmatch"`
	Reaction        string   `json:"reaction,omitempty"`
	Mood            string   `json:"mood,omitempty"`
	ShouldSendVoice bool     `json:"should_send_voice"`
	ShouldSendImage bool     `json:"should_send_image"`
	ImageTags       []string `json:"image_tags,omitempty"`
	Thought         string   `json:"thought,omitempty"`
}

// ParseDecision decodes a decision-stage reply. Models wrap JSON in markdown
// fences often enough that we strip them before decoding.
func ParseDecision(raw string) (*Decision, error) {
	jsonStr := strings.TrimSpace(raw)

	if strings.HasPrefix(jsonStr, "```") {
		lines := strings.Split(jsonStr, "\n")
		if len(lines) >= 2 {
			jsonStr = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	jsonStr = strings.TrimSpace(jsonStr)

	var d Decision
	if err := json.Unmarshal([]byte(jsonStr), &d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &d, nil
}
