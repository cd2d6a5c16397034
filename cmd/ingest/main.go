package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/folcright/zonelcpilot/internal/ai"
	"github.com/folcright/zonelcpilot/internal/chunker"
	"github.com/folcright/zonelcpilot/internal/config"
	"github.com/folcright/zonelcpilot/internal/ingest"
	"github.com/folcright/zonelcpilot/internal/store"
)

func main() {
	fs := pflag.NewFlagSet("zonepilot-ingest", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zlog.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if cfg.DocPath == "" && cfg.DocRoot == "" {
		log.Fatal("either --doc or --doc-root is required")
	}

	provider := strings.ToLower(cfg.Provider)
	zlog.Info().Str("provider", provider).Str("store", cfg.StoreDriver).Msg("starting ingestion")

	var clientConfig *ai.ClientConfig
	switch provider {
	case "openai":
		clientConfig = &ai.ClientConfig{
			APIKey:      cfg.APIKey,
			EmbedModel:  cfg.EmbedModel,
			AnswerModel: cfg.AnswerModel,
			Dim:         cfg.Dim,
			ProjectID:   cfg.ProjectID,
			Provider:    ai.ProviderOpenAI,
			MaxRetries:  cfg.RetryMaxAttempts,
		}
	case "vertexai", "google":
		clientConfig = &ai.ClientConfig{
			APIKey:      cfg.APIKey,
			EmbedModel:  cfg.EmbedModel,
			AnswerModel: cfg.AnswerModel,
			Dim:         cfg.Dim,
			ProjectID:   cfg.ProjectID,
			Location:    cfg.Location,
			Provider:    ai.ProviderVertexAI,
			MaxRetries:  cfg.RetryMaxAttempts,
		}
	case "stub":
		clientConfig = &ai.ClientConfig{
			Dim:      cfg.Dim,
			Provider: ai.ProviderStub,
		}
	default:
		log.Fatalf("unsupported provider: %s", provider)
	}

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.DataDir, cfg.Database)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			zlog.Warn().Err(err).Msg("failed to close store")
		}
	}()

	client, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatal(err)
	}

	if client.Dim() == 0 {
		log.Fatal("embedding dimension must be set")
	}
	if err := st.Migrate(ctx, client.Dim()); err != nil {
		log.Fatal(err)
	}

	ck := chunker.New(chunker.Options{
		MaxTokens:     cfg.ChunkMaxTokens,
		OverlapTokens: cfg.ChunkOverlapTokens,
	})
	ix := ingest.New(st, client, ck)

	if cfg.DocPath != "" {
		if err := ix.IngestFile(ctx, cfg.DocPath); err != nil {
			log.Fatal(err)
		}
	}
	if cfg.DocRoot != "" {
		if err := ix.IngestDir(ctx, cfg.DocRoot); err != nil {
			log.Fatal(err)
		}
	}
}
