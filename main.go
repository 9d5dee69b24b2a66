package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kindled/pkg/chat"
	"kindled/pkg/config"
	"kindled/pkg/imagen"
	"kindled/pkg/llm"
	"kindled/pkg/logger"
	"kindled/pkg/realtime"
	"kindled/pkg/store"
	"kindled/pkg/surreal"
	"kindled/pkg/voice"
)

func main() {
	// Load config.yml
	cfg, err := config.LoadConfig("config.yml")
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Logging.Mode); err != nil {
		logger.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load .env for secrets
	if err := godotenv.Load(); err != nil {
		logger.Infof("No .env file found, relying on environment variables")
	}

	llmKeys := os.Getenv("LLM_API_KEYS")
	if llmKeys == "" {
		logger.Fatalf("Missing required environment variable: LLM_API_KEYS")
	}
	if cfg.ModelSettings.BaseURL == "" {
		logger.Fatalf("model_settings.base_url must be set in config.yml")
	}

	llmClient := llm.NewClient(llm.Config{
		BaseURL:       cfg.ModelSettings.BaseURL,
		APIKeys:       llmKeys,
		ChatModel:     cfg.ModelSettings.ChatModel,
		DecisionModel: cfg.ModelSettings.DecisionModel,
		Temperature:   cfg.ModelSettings.Temperature,
		TopP:          cfg.ModelSettings.TopP,
	})

	// SurrealDB holds conversations, messages, matches, and personas.
	surrealHost := os.Getenv("SURREAL_DB_HOST")
	surrealUser := os.Getenv("SURREAL_DB_USER")
	surrealPass := os.Getenv("SURREAL_DB_PASS")
	surrealNS := envOr("SURREAL_DB_NAMESPACE", "kindled")
	surrealDB := envOr("SURREAL_DB_DATABASE", "kindled")
	if surrealHost == "" {
		logger.Fatalf("Missing required environment variable: SURREAL_DB_HOST")
	}

	db, err := surreal.NewClient(surrealHost, surrealUser, surrealPass, surrealNS, surrealDB)
	if err != nil {
		logger.Fatalf("Failed to connect to SurrealDB: %v", err)
	}
	defer db.Close()

	convStore := store.NewSurrealStore(db)
	settingsStore := store.NewSettingsStore(db, cfg.Scheduling)

	// Redis holds the hot engagement and rate state.
	redisURL := envOr("REDIS_URL", "redis://localhost:6379")
	states, err := store.NewRedisStateStore(redisURL, "kindled")
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer states.Close()

	mediaRoot := envOr("MEDIA_DIR", "media")
	media, err := store.NewDiskMediaStore(mediaRoot)
	if err != nil {
		logger.Fatalf("Failed to set up media storage: %v", err)
	}

	images := imagen.NewClient(cfg.Image.URL, imagen.Options{
		Width:             cfg.Image.Width,
		Height:            cfg.Image.Height,
		Steps:             cfg.Image.Steps,
		HrScale:           cfg.Image.HrScale,
		HrSecondPassSteps: cfg.Image.HrSecondPassSteps,
		CfgScale:          cfg.Image.CfgScale,
		HrCfg:             cfg.Image.HrCfg,
		SamplerName:       cfg.Image.SamplerName,
		Scheduler:         cfg.Image.Scheduler,
		NegativePrompt:    cfg.Image.NegativePrompt,
	})
	voices := voice.NewClient(cfg.Voice.URL)

	hub := realtime.NewHub()

	handler := chat.NewHandler(chat.Deps{
		Store:    convStore,
		States:   states,
		Settings: settingsStore,
		Text:     llmClient,
		Decider:  llmClient,
		Images:   images,
		Voices:   voices,
		Media:    media,
		Notifier: hub,
	},
		chat.WithCompaction(cfg.Compaction.TriggerMessages, cfg.Compaction.KeepRecent),
		chat.WithTimeGapThreshold(time.Duration(cfg.TimeGap.ThresholdHours*float64(time.Hour))),
	)

	sweeper, err := chat.StartSweeper(handler, time.Duration(cfg.Sweep.IntervalMinutes)*time.Minute)
	if err != nil {
		logger.Fatalf("Failed to start sweeper: %v", err)
	}
	defer sweeper.Stop()
	logger.Infof("Proactive sweeper running every %d minutes", cfg.Sweep.IntervalMinutes)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		hub.ServeSSE(w, r, userID)
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		userID := r.FormValue("user_id")
		personaID := r.FormValue("persona_id")
		content := r.FormValue("content")
		if userID == "" || personaID == "" || content == "" {
			http.Error(w, "user_id, persona_id, and content required", http.StatusBadRequest)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := handler.HandleUserMessage(ctx, userID, personaID, content); err != nil {
				logger.Errorf("handle message from %s: %v", userID, err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /conversations/open", func(w http.ResponseWriter, r *http.Request) {
		convID := r.FormValue("conversation_id")
		if convID == "" {
			http.Error(w, "conversation_id required", http.StatusBadRequest)
			return
		}
		if err := convStore.MarkOpened(r.Context(), convID, time.Now()); err != nil {
			logger.Errorf("mark opened %s: %v", convID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /conversations/messages", func(w http.ResponseWriter, r *http.Request) {
		convID := r.URL.Query().Get("conversation_id")
		if convID == "" {
			http.Error(w, "conversation_id required", http.StatusBadRequest)
			return
		}
		var (
			msgs []store.Message
			err  error
		)
		if since := r.URL.Query().Get("since"); since != "" {
			msgs, err = convStore.MessagesSince(r.Context(), convID, since)
		} else {
			msgs, err = convStore.RecentMessages(r.Context(), convID, 50)
		}
		if err != nil {
			logger.Errorf("load messages for %s: %v", convID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(msgs); err != nil {
			logger.Errorf("encode messages: %v", err)
		}
	})
	mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(mediaRoot))))

	addr := envOr("LISTEN_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Infof("Shutting down")
	srv.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
