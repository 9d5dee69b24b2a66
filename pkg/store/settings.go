package store

import (
	"context"

	"kindled/pkg/surreal"
)

// SettingsStore reads per-user scheduling settings, falling back to the
// configured defaults field by field.
type SettingsStore struct {
	client   *surreal.Client
	defaults Settings
}

func NewSettingsStore(client *surreal.Client, defaults Settings) *SettingsStore {
	return &SettingsStore{client: client, defaults: defaults}
}

type settingsRow struct {
	UserID   string   `json:"user_id"`
	Settings Settings `json:"settings"`
}

func (s *SettingsStore) UserSettings(ctx context.Context, userID string) (*Settings, error) {
	rows, err := s.client.QueryRows(ctx,
		`SELECT * OMIT id FROM user_settings WHERE user_id = $user_id LIMIT 1;`,
		map[string]interface{}{"user_id": userID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		out := s.defaults
		return &out, nil
	}
	var r settingsRow
	if err := decodeRow(rows[0], &r); err != nil {
		return nil, err
	}
	merged := mergeSettings(r.Settings, s.defaults)
	return &merged, nil
}

// SaveSettings stores the user's overrides as given; defaults are applied
// on read, not on write.
func (s *SettingsStore) SaveSettings(ctx context.Context, userID string, settings Settings) error {
	_, err := s.client.Query(ctx, `
		DELETE FROM user_settings WHERE user_id = $user_id;
		CREATE user_settings CONTENT { user_id: $user_id, settings: $settings };
	`, map[string]interface{}{"user_id": userID, "settings": settings})
	return err
}

// mergeSettings fills zero-valued numeric fields from the defaults. The
// booleans are taken from the stored row as-is; false is a meaningful
// choice there.
func mergeSettings(s, d Settings) Settings {
	if s.DailyProactiveLimit == 0 {
		s.DailyProactiveLimit = d.DailyProactiveLimit
	}
	if s.DailyLeftOnReadLimit == 0 {
		s.DailyLeftOnReadLimit = d.DailyLeftOnReadLimit
	}
	if s.OnlineChance == 0 {
		s.OnlineChance = d.OnlineChance
	}
	if s.AwayChance == 0 {
		s.AwayChance = d.AwayChance
	}
	if s.BusyChance == 0 {
		s.BusyChance = d.BusyChance
	}
	if s.CheckIntervalMinMinutes == 0 {
		s.CheckIntervalMinMinutes = d.CheckIntervalMinMinutes
	}
	if s.CheckIntervalMaxMinutes == 0 {
		s.CheckIntervalMaxMinutes = d.CheckIntervalMaxMinutes
	}
	if s.MinGapHours == 0 {
		s.MinGapHours = d.MinGapHours
	}
	if s.MaxConsecutiveProactive == 0 {
		s.MaxConsecutiveProactive = d.MaxConsecutiveProactive
	}
	if s.BaseCooldownMinutes == 0 {
		s.BaseCooldownMinutes = d.BaseCooldownMinutes
	}
	if s.CooldownMultiplier == 0 {
		s.CooldownMultiplier = d.CooldownMultiplier
	}
	if s.LeftOnReadTriggerMinMinutes == 0 {
		s.LeftOnReadTriggerMinMinutes = d.LeftOnReadTriggerMinMinutes
	}
	if s.LeftOnReadTriggerMaxMinutes == 0 {
		s.LeftOnReadTriggerMaxMinutes = d.LeftOnReadTriggerMaxMinutes
	}
	if s.LeftOnReadCooldownMinutes == 0 {
		s.LeftOnReadCooldownMinutes = d.LeftOnReadCooldownMinutes
	}
	return s
}
