package config

import (
	"os"

	"kindled/pkg/store"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging struct {
		Mode string `yaml:"mode"`
	} `yaml:"logging"`
	ModelSettings struct {
		BaseURL       string  `yaml:"base_url"`
		ChatModel     string  `yaml:"chat_model"`
		DecisionModel string  `yaml:"decision_model"`
		Temperature   float64 `yaml:"temperature"`
		TopP          float64 `yaml:"top_p"`
	} `yaml:"model_settings"`
	Sweep struct {
		IntervalMinutes int `yaml:"interval_minutes"`
	} `yaml:"sweep"`
	// Scheduling holds the defaults used when a user has no stored
	// scheduling settings of their own.
	Scheduling store.Settings `yaml:"scheduling"`
	Compaction struct {
		TriggerMessages int `yaml:"trigger_messages"`
		KeepRecent      int `yaml:"keep_recent"`
	} `yaml:"compaction"`
	TimeGap struct {
		ThresholdHours float64 `yaml:"threshold_hours"`
	} `yaml:"time_gap"`
	Image struct {
		URL               string  `yaml:"url"`
		Width             int     `yaml:"width"`
		Height            int     `yaml:"height"`
		Steps             int     `yaml:"steps"`
		HrScale           float64 `yaml:"hr_scale"`
		HrSecondPassSteps int     `yaml:"hr_second_pass_steps"`
		CfgScale          float64 `yaml:"cfg_scale"`
		HrCfg             float64 `yaml:"hr_cfg"`
		SamplerName       string  `yaml:"sampler_name"`
		Scheduler         string  `yaml:"scheduler"`
		NegativePrompt    string  `yaml:"negative_prompt"`
	} `yaml:"image"`
	Voice struct {
		URL string `yaml:"url"`
	} `yaml:"voice"`
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Logging.Mode = "dev"
	cfg.ModelSettings.Temperature = 1
	cfg.ModelSettings.TopP = 1
	cfg.ModelSettings.ChatModel = "z-ai/glm5"
	cfg.ModelSettings.DecisionModel = "z-ai/glm5"
	cfg.Sweep.IntervalMinutes = 5
	cfg.Scheduling = store.Settings{
		DailyProactiveLimit:         5,
		DailyLeftOnReadLimit:        3,
		OnlineChance:                1.0,
		AwayChance:                  0.5,
		BusyChance:                  0.1,
		CheckIntervalMinMinutes:     20,
		CheckIntervalMaxMinutes:     60,
		MinGapHours:                 2,
		MaxConsecutiveProactive:     4,
		BaseCooldownMinutes:         60,
		CooldownMultiplier:          2,
		AutoUnmatchAfterProactive:   true,
		LeftOnReadTriggerMinMinutes: 5,
		LeftOnReadTriggerMaxMinutes: 60,
		LeftOnReadCooldownMinutes:   240,
		GenerationRetries:           true,
	}
	cfg.Compaction.TriggerMessages = 80
	cfg.Compaction.KeepRecent = 30
	cfg.TimeGap.ThresholdHours = 6
	cfg.Image.URL = "http://127.0.0.1:7860"
	cfg.Image.Width = 832
	cfg.Image.Height = 1216
	cfg.Image.Steps = 30
	cfg.Image.HrScale = 1.5
	cfg.Image.HrSecondPassSteps = 15
	cfg.Image.CfgScale = 7.0
	cfg.Image.HrCfg = 5.0
	cfg.Image.SamplerName = "DPM++ 2M"
	cfg.Image.Scheduler = "Karras"
	cfg.Voice.URL = "http://127.0.0.1:8880"
	return cfg
}

// LoadConfig reads path and overlays it onto the built-in defaults. A
// missing file is not an error; the defaults are returned as-is.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(file, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
