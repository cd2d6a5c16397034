package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/pflag"

	"github.com/folcright/zonelcpilot/internal/ai"
	"github.com/folcright/zonelcpilot/internal/config"
	"github.com/folcright/zonelcpilot/internal/engine"
	"github.com/folcright/zonelcpilot/internal/store"
	"github.com/folcright/zonelcpilot/internal/usage"
)

type queryRequest struct {
	Text string `json:"text"`
}

type healthResponse struct {
	Status     string `json:"status"`
	QueryCount int    `json:"query_count"`
}

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("zonepilot-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Str("store", cfg.StoreDriver).Str("log_level", cfg.LogLevel).Msg("starting zonepilot api")

	clientConfig, err := buildClientConfig(cfg)
	if err != nil {
		log.Fatalf("Invalid provider configuration: %v", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.DataDir, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open vector store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close store")
		}
	}()

	client, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}

	// Use the AI client's dimension for store migration
	dim := client.Dim()
	logger.Info().Int("embedding_dim", dim).Str("embed_model", clientConfig.EmbedModel).Msg("AI client initialized")

	if err := st.Migrate(ctx, dim); err != nil {
		log.Fatalf("Failed to migrate store: %v", err)
	}

	tracker := usage.NewTracker()
	eng := engine.New(client, st, tracker, engine.Options{
		TopK:             cfg.TopK,
		MaxContextTokens: cfg.MaxContextTokens,
	})

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(newMux(eng, st, tracker)),
	)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: handler}
	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	log.Fatal(s.ListenAndServe())
}

// newMux wires the API routes.
func newMux(eng *engine.Engine, st store.ChunkStore, tracker *usage.Tracker) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := healthResponse{Status: "ok", QueryCount: tracker.Stats().Count}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, "Failed to encode response", 500)
		}
	})

	mux.HandleFunc("/sections", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		sections, err := st.Sections(ctx)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if sections == nil {
			sections = []string{}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sections); err != nil {
			http.Error(w, "Failed to encode sections", 500)
		}
	})

	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			http.Error(w, "missing question text", http.StatusBadRequest)
			return
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		answer, err := eng.Answer(ctx, req.Text)
		if err != nil {
			if errors.Is(err, engine.ErrServiceUnavailable) {
				http.Error(w, "answer service unavailable, try again later", http.StatusServiceUnavailable)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			hlog.FromRequest(r).Error().Err(err).Str("path", "/query").Msg("query failed")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(answer); err != nil {
			http.Error(w, "Failed to encode answer", http.StatusInternalServerError)
			return
		}

		hlog.FromRequest(r).Info().Str("path", "/query").Int("citations", len(answer.Citations)).Dur("dur", time.Since(start)).Msg("served")
	})

	return mux
}

// buildClientConfig maps the loaded configuration onto an AI provider config.
func buildClientConfig(cfg config.Specification) (*ai.ClientConfig, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return &ai.ClientConfig{
			APIKey:      cfg.APIKey,
			EmbedModel:  cfg.EmbedModel,
			AnswerModel: cfg.AnswerModel,
			Dim:         cfg.Dim,
			ProjectID:   cfg.ProjectID,
			Provider:    ai.ProviderOpenAI,
			MaxRetries:  cfg.RetryMaxAttempts,
		}, nil
	case "vertexai", "google":
		return &ai.ClientConfig{
			APIKey:      cfg.APIKey,
			EmbedModel:  cfg.EmbedModel,
			AnswerModel: cfg.AnswerModel,
			Dim:         cfg.Dim,
			ProjectID:   cfg.ProjectID,
			Location:    cfg.Location,
			Provider:    ai.ProviderVertexAI,
			MaxRetries:  cfg.RetryMaxAttempts,
		}, nil
	case "stub":
		return &ai.ClientConfig{
			Dim:      cfg.Dim,
			Provider: ai.ProviderStub,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
