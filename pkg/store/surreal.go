package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"kindled/pkg/logger"
	"kindled/pkg/schedule"
	"kindled/pkg/surreal"
)

// SurrealStore persists conversations, messages, matches, and personas.
type SurrealStore struct {
	client *surreal.Client
}

func NewSurrealStore(client *surreal.Client) *SurrealStore {
	s := &SurrealStore{client: client}
	if err := s.Init(); err != nil {
		// DB might be reachable later or the schema already exists.
		logger.Warnf("store: initialize schema: %v", err)
	}
	return s
}

func (s *SurrealStore) Init() error {
	query := `
		DEFINE TABLE IF NOT EXISTS conversations SCHEMALESS;
		DEFINE INDEX IF NOT EXISTS conv_id_idx ON conversations FIELDS conversation_id UNIQUE;
		DEFINE INDEX IF NOT EXISTS conv_pair_idx ON conversations FIELDS user_id, persona_id UNIQUE;

		DEFINE TABLE IF NOT EXISTS messages SCHEMALESS;
		DEFINE INDEX IF NOT EXISTS msg_id_idx ON messages FIELDS message_id UNIQUE;
		DEFINE INDEX IF NOT EXISTS msg_conv_idx ON messages FIELDS conversation_id;

		DEFINE TABLE IF NOT EXISTS matches SCHEMALESS;
		DEFINE INDEX IF NOT EXISTS match_pair_idx ON matches FIELDS user_id, persona_id UNIQUE;

		DEFINE TABLE IF NOT EXISTS personas SCHEMALESS;
		DEFINE INDEX IF NOT EXISTS persona_id_idx ON personas FIELDS persona_id UNIQUE;

		DEFINE TABLE IF NOT EXISTS user_settings SCHEMALESS;
		DEFINE INDEX IF NOT EXISTS settings_user_idx ON user_settings FIELDS user_id UNIQUE;
	`
	_, err := s.client.Query(context.Background(), query, map[string]interface{}{})
	return err
}

// Row shapes. Timestamps are stored as unix nanoseconds so message order
// within one turn survives the round trip.

type messageRow struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	Separator      string `json:"separator,omitempty"`
	ImagePath      string `json:"image_path,omitempty"`
	AudioPath      string `json:"audio_path,omitempty"`
	Reaction       string `json:"reaction,omitempty"`
	Mood           string `json:"mood,omitempty"`
	IsProactive    bool   `json:"is_proactive,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

type conversationRow struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	PersonaID      string `json:"persona_id"`
	UnreadCount    int    `json:"unread_count"`
	LastOpenedAt   int64  `json:"last_opened_at,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

type matchRow struct {
	UserID         string `json:"user_id"`
	PersonaID      string `json:"persona_id"`
	ConversationID string `json:"conversation_id"`
	CreatedAt      int64  `json:"created_at"`
}

type personaRow struct {
	PersonaID string          `json:"persona_id"`
	Name      string          `json:"name"`
	Mood      string          `json:"mood,omitempty"`
	Schedule  schedule.Weekly `json:"schedule,omitempty"`
	HasImages bool            `json:"has_images"`
	HasVoice  bool            `json:"has_voice"`
	VoiceID   string          `json:"voice_id,omitempty"`
	ImageTags []string        `json:"image_tags,omitempty"`
}

// decodeRow round-trips a query result row through JSON into out.
func decodeRow(row interface{}, out interface{}) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}

func (r messageRow) toMessage() Message {
	return Message{
		ID:             r.MessageID,
		ConversationID: r.ConversationID,
		Sender:         Sender(r.Sender),
		Type:           MessageType(r.Type),
		Content:        r.Content,
		Separator:      SeparatorKind(r.Separator),
		ImagePath:      r.ImagePath,
		AudioPath:      r.AudioPath,
		Reaction:       r.Reaction,
		Mood:           r.Mood,
		IsProactive:    r.IsProactive,
		CreatedAt:      time.Unix(0, r.CreatedAt),
	}
}

func fromMessage(m *Message) messageRow {
	return messageRow{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Sender:         string(m.Sender),
		Type:           string(m.Type),
		Content:        m.Content,
		Separator:      string(m.Separator),
		ImagePath:      m.ImagePath,
		AudioPath:      m.AudioPath,
		Reaction:       m.Reaction,
		Mood:           m.Mood,
		IsProactive:    m.IsProactive,
		CreatedAt:      m.CreatedAt.UnixNano(),
	}
}

func (r conversationRow) toConversation() *Conversation {
	c := &Conversation{
		ID:          r.ConversationID,
		UserID:      r.UserID,
		PersonaID:   r.PersonaID,
		UnreadCount: r.UnreadCount,
		CreatedAt:   time.Unix(0, r.CreatedAt),
	}
	if r.LastOpenedAt != 0 {
		c.LastOpenedAt = time.Unix(0, r.LastOpenedAt)
	}
	return c
}

func (s *SurrealStore) queryMessages(ctx context.Context, sql string, vars map[string]interface{}) ([]Message, error) {
	rows, err := s.client.QueryRows(ctx, sql, vars)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		var r messageRow
		if err := decodeRow(row, &r); err != nil {
			return nil, err
		}
		out = append(out, r.toMessage())
	}
	return out, nil
}

// ListUserIDs returns every user that currently has at least one match.
func (s *SurrealStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.client.QueryRows(ctx, `SELECT user_id FROM matches;`, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, row := range rows {
		m, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["user_id"].(string)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *SurrealStore) ListMatches(ctx context.Context, userID string) ([]Match, error) {
	rows, err := s.client.QueryRows(ctx, `SELECT * OMIT id FROM matches WHERE user_id = $user_id;`, map[string]interface{}{
		"user_id": userID,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(rows))
	for _, row := range rows {
		var r matchRow
		if err := decodeRow(row, &r); err != nil {
			return nil, err
		}
		out = append(out, Match{
			UserID:         r.UserID,
			PersonaID:      r.PersonaID,
			ConversationID: r.ConversationID,
			CreatedAt:      time.Unix(0, r.CreatedAt),
		})
	}
	return out, nil
}

func (s *SurrealStore) LastMessage(ctx context.Context, conversationID string) (*Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT * OMIT id FROM messages WHERE conversation_id = $conv ORDER BY created_at DESC LIMIT 1;`,
		map[string]interface{}{"conv": conversationID})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (s *SurrealStore) LastUserMessageAt(ctx context.Context, conversationID string) (time.Time, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT * OMIT id FROM messages WHERE conversation_id = $conv AND sender = 'user' ORDER BY created_at DESC LIMIT 1;`,
		map[string]interface{}{"conv": conversationID})
	if err != nil {
		return time.Time{}, err
	}
	if len(msgs) == 0 {
		return time.Time{}, nil
	}
	return msgs[0].CreatedAt, nil
}

func (s *SurrealStore) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	rows, err := s.client.QueryRows(ctx,
		`SELECT * OMIT id FROM conversations WHERE conversation_id = $conv LIMIT 1;`,
		map[string]interface{}{"conv": conversationID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	var r conversationRow
	if err := decodeRow(rows[0], &r); err != nil {
		return nil, err
	}
	return r.toConversation(), nil
}

// ConversationFor finds the pair's conversation, creating it on first
// contact.
func (s *SurrealStore) ConversationFor(ctx context.Context, userID, personaID string) (*Conversation, error) {
	rows, err := s.client.QueryRows(ctx,
		`SELECT * OMIT id FROM conversations WHERE user_id = $user_id AND persona_id = $persona_id LIMIT 1;`,
		map[string]interface{}{"user_id": userID, "persona_id": personaID})
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		var r conversationRow
		if err := decodeRow(rows[0], &r); err != nil {
			return nil, err
		}
		return r.toConversation(), nil
	}

	row := conversationRow{
		ConversationID: uuid.New().String(),
		UserID:         userID,
		PersonaID:      personaID,
		CreatedAt:      time.Now().UnixNano(),
	}
	if _, err := s.client.Create(ctx, "conversations", row); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return row.toConversation(), nil
}

func (s *SurrealStore) Persona(ctx context.Context, personaID string) (*Persona, error) {
	rows, err := s.client.QueryRows(ctx,
		`SELECT * OMIT id FROM personas WHERE persona_id = $persona_id LIMIT 1;`,
		map[string]interface{}{"persona_id": personaID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("persona %s not found", personaID)
	}
	var r personaRow
	if err := decodeRow(rows[0], &r); err != nil {
		return nil, err
	}
	return &Persona{
		ID:        r.PersonaID,
		Name:      r.Name,
		Mood:      r.Mood,
		Schedule:  r.Schedule,
		HasImages: r.HasImages,
		HasVoice:  r.HasVoice,
		VoiceID:   r.VoiceID,
		ImageTags: r.ImageTags,
	}, nil
}

// SavePersona inserts or updates a persona profile. Used by seeding and
// the admin surface.
func (s *SurrealStore) SavePersona(ctx context.Context, p *Persona) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	row := personaRow{
		PersonaID: p.ID,
		Name:      p.Name,
		Mood:      p.Mood,
		Schedule:  p.Schedule,
		HasImages: p.HasImages,
		HasVoice:  p.HasVoice,
		VoiceID:   p.VoiceID,
		ImageTags: p.ImageTags,
	}
	_, err := s.client.Query(ctx, `
		DELETE FROM personas WHERE persona_id = $persona_id;
		CREATE personas CONTENT $row;
	`, map[string]interface{}{"persona_id": p.ID, "row": row})
	return err
}

func (s *SurrealStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT * OMIT id FROM messages WHERE conversation_id = $conv ORDER BY created_at DESC LIMIT $limit;`,
		map[string]interface{}{"conv": conversationID, "limit": limit})
	if err != nil {
		return nil, err
	}
	// Oldest first for the prompt.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SurrealStore) OldestMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT * OMIT id FROM messages WHERE conversation_id = $conv ORDER BY created_at ASC LIMIT $limit;`,
		map[string]interface{}{"conv": conversationID, "limit": limit})
}

// MessagesSince returns everything after the given message, oldest first.
// Used by clients catching up after a dropped event stream.
func (s *SurrealStore) MessagesSince(ctx context.Context, conversationID, messageID string) ([]Message, error) {
	rows, err := s.client.QueryRows(ctx,
		`SELECT created_at FROM messages WHERE message_id = $id LIMIT 1;`,
		map[string]interface{}{"id": messageID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("message %s not found", messageID)
	}
	var anchor struct {
		CreatedAt int64 `json:"created_at"`
	}
	if err := decodeRow(rows[0], &anchor); err != nil {
		return nil, err
	}
	return s.queryMessages(ctx,
		`SELECT * OMIT id FROM messages WHERE conversation_id = $conv AND created_at > $after ORDER BY created_at ASC;`,
		map[string]interface{}{"conv": conversationID, "after": anchor.CreatedAt})
}

func (s *SurrealStore) LastPersonaMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT * OMIT id FROM messages WHERE conversation_id = $conv AND sender = 'persona' AND type IN ['text', 'image', 'voice'] ORDER BY created_at DESC LIMIT $limit;`,
		map[string]interface{}{"conv": conversationID, "limit": limit})
}

func (s *SurrealStore) count(ctx context.Context, sql string, vars map[string]interface{}) (int, error) {
	rows, err := s.client.QueryRows(ctx, sql, vars)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	m, ok := rows[0].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected count row type: %T", rows[0])
	}
	switch v := m["count"].(type) {
	case float64:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("unexpected count type: %T", m["count"])
	}
}

func (s *SurrealStore) MessageCount(ctx context.Context, conversationID string) (int, error) {
	return s.count(ctx,
		`SELECT count() AS count FROM messages WHERE conversation_id = $conv GROUP ALL;`,
		map[string]interface{}{"conv": conversationID})
}

func (s *SurrealStore) PersonaMessageCount(ctx context.Context, conversationID string) (int, error) {
	return s.count(ctx,
		`SELECT count() AS count FROM messages WHERE conversation_id = $conv AND sender = 'persona' GROUP ALL;`,
		map[string]interface{}{"conv": conversationID})
}

func (s *SurrealStore) SaveMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if _, err := s.client.Create(ctx, "messages", fromMessage(msg)); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (s *SurrealStore) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := s.client.Query(ctx, `DELETE FROM messages WHERE message_id = $id;`, map[string]interface{}{
		"id": messageID,
	})
	return err
}

// ReplaceOldest removes the n oldest messages and puts summary in their
// place, in one transaction so a crash cannot lose history without the
// summary landing.
func (s *SurrealStore) ReplaceOldest(ctx context.Context, conversationID string, n int, summary *Message) error {
	if summary.ID == "" {
		summary.ID = uuid.New().String()
	}
	_, err := s.client.Query(ctx, `
		BEGIN TRANSACTION;
		LET $old = (SELECT message_id FROM messages WHERE conversation_id = $conv ORDER BY created_at ASC LIMIT $n);
		DELETE FROM messages WHERE message_id IN $old.message_id;
		CREATE messages CONTENT $summary;
		COMMIT TRANSACTION;
	`, map[string]interface{}{
		"conv":    conversationID,
		"n":       n,
		"summary": fromMessage(summary),
	})
	return err
}

func (s *SurrealStore) IncrementUnread(ctx context.Context, conversationID string, by int) error {
	_, err := s.client.Query(ctx,
		`UPDATE conversations SET unread_count += $by WHERE conversation_id = $conv;`,
		map[string]interface{}{"conv": conversationID, "by": by})
	return err
}

// MarkOpened zeroes the unread counter and stamps the open time.
func (s *SurrealStore) MarkOpened(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.client.Query(ctx,
		`UPDATE conversations SET unread_count = 0, last_opened_at = $at WHERE conversation_id = $conv;`,
		map[string]interface{}{"conv": conversationID, "at": at.UnixNano()})
	return err
}

func (s *SurrealStore) SetPersonaMood(ctx context.Context, personaID, mood string) error {
	_, err := s.client.Query(ctx,
		`UPDATE personas SET mood = $mood WHERE persona_id = $persona_id;`,
		map[string]interface{}{"persona_id": personaID, "mood": mood})
	return err
}

func (s *SurrealStore) CreateMatch(ctx context.Context, userID, personaID string) (*Match, error) {
	conv, err := s.ConversationFor(ctx, userID, personaID)
	if err != nil {
		return nil, err
	}
	row := matchRow{
		UserID:         userID,
		PersonaID:      personaID,
		ConversationID: conv.ID,
		CreatedAt:      time.Now().UnixNano(),
	}
	if _, err := s.client.Create(ctx, "matches", row); err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}
	return &Match{
		UserID:         row.UserID,
		PersonaID:      row.PersonaID,
		ConversationID: row.ConversationID,
		CreatedAt:      time.Unix(0, row.CreatedAt),
	}, nil
}

func (s *SurrealStore) DeleteMatch(ctx context.Context, userID, personaID string) error {
	_, err := s.client.Query(ctx,
		`DELETE FROM matches WHERE user_id = $user_id AND persona_id = $persona_id;`,
		map[string]interface{}{"user_id": userID, "persona_id": personaID})
	return err
}
