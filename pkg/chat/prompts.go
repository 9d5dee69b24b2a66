package chat

import (
	"fmt"
	"strings"

	"kindled/pkg/schedule"
	"kindled/pkg/store"
)

const (
	// historyWindow is how many recent messages the model sees.
	historyWindow = 30
	// duplicateWindow is how many recent replies the duplicate check covers.
	duplicateWindow = 5
)

func (h *Handler) decisionPrompt(r *pipelineRun, history []store.Message) []Message {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the decision layer for %s in a dating chat app.\n", r.persona.Name)
	fmt.Fprintf(&b, "Current mood: %s. Current status: %s", moodOrDefault(r.persona.Mood), r.avail.Status)
	if r.avail.Activity != "" {
		fmt.Fprintf(&b, " (%s)", r.avail.Activity)
	}
	b.WriteString(".\n\n")

	switch r.kind {
	case runProactive:
		fmt.Fprintf(&b, "The match has gone quiet for about %.0f hours. %s is considering reaching out first.\n", r.gapHours, r.persona.Name)
		if r.isFirstMessage {
			fmt.Fprintf(&b, "No one has spoken yet; this would be the opening message.\n")
		}
	case runLeftOnRead:
		fmt.Fprintf(&b, "%s sent the last message and the user read it without replying. %s is considering a follow-up nudge.\n", r.persona.Name, r.persona.Name)
	default:
		fmt.Fprintf(&b, "The user just sent a message. Decide how %s reacts to it.\n", r.persona.Name)
	}

	b.WriteString("\nRespond with ONLY a JSON object, no markdown fences:\n")
	b.WriteString(`{"should_respond": bool, "should_unmatch": bool, "reaction": "emoji or empty", "mood": "one word or empty to keep current", "thought": "one sentence of inner monologue"`)
	if r.persona.HasVoice {
		b.WriteString(`, "should_send_voice": bool`)
	}
	if r.persona.HasImages {
		b.WriteString(`, "should_send_image": bool, "image_tags": ["tags"]`)
	}
	b.WriteString("}\n")
	if r.persona.HasImages {
		fmt.Fprintf(&b, "\nSend a photo only when it genuinely fits the moment. Allowed image tags: %s. Each tag may carry one modifier word in front.\n", strings.Join(r.persona.ImageTags, ", "))
	}
	b.WriteString("Set should_unmatch only if the user is abusive or the relationship has clearly run its course.\n")

	msgs := []Message{{Role: "system", Content: b.String()}}
	return append(msgs, renderHistory(history)...)
}

func (h *Handler) replyPrompt(r *pipelineRun, history []store.Message, decision *Decision, withImage bool) []Message {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, chatting on a dating app.\n", r.persona.Name)
	fmt.Fprintf(&b, "Current mood: %s.\n", moodOrDefault(r.persona.Mood))
	if r.avail.Activity != "" {
		fmt.Fprintf(&b, "Right now you are %s.\n", r.avail.Activity)
	}
	if r.avail.Status == schedule.StatusBusy {
		b.WriteString("You are busy, so keep it brief.\n")
	}
	if decision.Thought != "" {
		fmt.Fprintf(&b, "Your current thought: %s\n", decision.Thought)
	}

	b.WriteString("\nWrite like a real person texting: short, casual, lowercase is fine.\n")
	b.WriteString("Use a newline to break your reply into separate chat bubbles; two or three at most.\n")
	b.WriteString("Never mention being an AI or a language model.\n")

	switch r.kind {
	case runProactive:
		if r.isFirstMessage {
			b.WriteString("Send the opening message to this match. Something low-effort and inviting.\n")
		} else {
			fmt.Fprintf(&b, "The chat has been quiet for about %.0f hours. Reach out first and restart it naturally.\n", r.gapHours)
		}
	case runLeftOnRead:
		b.WriteString("They read your last message and said nothing. Send a light follow-up nudge, not needy.\n")
	}
	if withImage {
		b.WriteString("You are attaching a photo of yourself to this message; write the text to go with it.\n")
	}
	if r.departing {
		b.WriteString("You have to go now. Say goodbye naturally and mention what you are off to do.\n")
	}

	msgs := []Message{{Role: "system", Content: b.String()}}
	return append(msgs, renderHistory(history)...)
}

func summaryPrompt(msgs []store.Message) []Message {
	var b strings.Builder
	b.WriteString("Summarize the following chat excerpt in a few sentences. Keep names, plans, and emotional beats; drop filler.\n\n")
	for _, m := range msgs {
		switch m.Sender {
		case store.SenderUser:
			fmt.Fprintf(&b, "them: %s\n", m.Content)
		case store.SenderPersona:
			fmt.Fprintf(&b, "me: %s\n", m.Content)
		}
	}
	return []Message{{Role: "user", Content: b.String()}}
}

// renderHistory maps stored rows onto chat roles. System rows (separators,
// time gaps, summaries) become bracketed system lines so the model sees
// session boundaries.
func renderHistory(history []store.Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		switch m.Sender {
		case store.SenderUser:
			out = append(out, Message{Role: "user", Content: m.Content})
		case store.SenderPersona:
			content := m.Content
			if m.Type == store.MessageImage {
				content = "[sent a photo] " + content
			}
			out = append(out, Message{Role: "assistant", Content: content})
		case store.SenderSystem:
			switch m.Type {
			case store.MessageTimeGap:
				out = append(out, Message{Role: "system", Content: "[" + m.Content + "]"})
			case store.MessageSummary:
				out = append(out, Message{Role: "system", Content: m.Content})
			}
		}
	}
	return out
}

func moodOrDefault(mood string) string {
	if mood == "" {
		return "neutral"
	}
	return mood
}
