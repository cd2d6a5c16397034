package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Specification struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"providerApiKey" envconfig:"PROVIDER_API_KEY"`
	EmbedModel  string `yaml:"providerEmbedModel" envconfig:"PROVIDER_EMBEDDING_MODEL"`
	AnswerModel string `yaml:"providerAnswerModel" envconfig:"PROVIDER_ANSWER_MODEL"`
	ProjectID   string `yaml:"providerProjectID" envconfig:"PROVIDER_PROJECT_ID"`
	Location    string `yaml:"providerLocation" envconfig:"PROVIDER_LOCATION"`
	Dim         int    `yaml:"providerDim" envconfig:"EMBED_DIM"`

	StoreDriver string `yaml:"storeDriver" split_words:"true"`
	DataDir     string `yaml:"dataDir" split_words:"true"`
	Database    string `yaml:"database" envconfig:"DB_URL"`

	DocPath string `yaml:"docPath" split_words:"true"`
	DocRoot string `yaml:"docRoot" split_words:"true"`

	TopK               int `yaml:"topK" split_words:"true"`
	MaxContextTokens   int `yaml:"maxContextTokens" split_words:"true"`
	ChunkMaxTokens     int `yaml:"chunkMaxTokens" split_words:"true"`
	ChunkOverlapTokens int `yaml:"chunkOverlapTokens" split_words:"true"`
	RetryMaxAttempts   int `yaml:"retryMaxAttempts" split_words:"true"`

	LogLevel string `yaml:"logLevel" split_words:"true"`
	Port     int    `yaml:"port" split_words:"true"`

	flags *pflag.FlagSet `ignored:"true"`
}

const envPrefix = "ZONEPILOT"

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML < env < flags.
// configPath may be ""; if so we auto-discover.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	var cfg Specification

	// set defaults (lowest precedence)
	setDefaults(&cfg)
	bindFlags(fs, &cfg)

	// config file
	path := configPath
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range []string{
				"config/zonepilot.yaml",
				"config/config.yaml",
				"./zonepilot.yaml",
				"./config.yaml",
			} {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return Specification{}, fmt.Errorf("config file not found: %s", path)
		}
		if err := loadYAML(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if err := fs.Parse(os.Args[1:]); err != nil {
		return Specification{}, err
	}
	applyChangedFlags(fs, &cfg)

	// Minimal sanity
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case "local":
		if strings.TrimSpace(cfg.DataDir) == "" {
			return Specification{}, fmt.Errorf("ZONEPILOT_DATA_DIR is required for the local store (env/file/flag)")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Database) == "" {
			return Specification{}, fmt.Errorf("ZONEPILOT_DB_URL is required for the postgres store (env/file/flag)")
		}
	default:
		return Specification{}, fmt.Errorf("unsupported store driver: %s", cfg.StoreDriver)
	}
	if cfg.ChunkOverlapTokens >= cfg.ChunkMaxTokens {
		return Specification{}, fmt.Errorf("chunk overlap (%d) must be smaller than chunk max tokens (%d)",
			cfg.ChunkOverlapTokens, cfg.ChunkMaxTokens)
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// ---------- helpers ----------

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func bindFlags(fs *pflag.FlagSet, c *Specification) {
	fs.String("config", "", "Path to config file")

	// If --config is provided on the command line, capture it now so
	// config discovery (which runs before flags.Parse) can use it.
	for i, a := range os.Args {
		if a == "--config" {
			if i+1 < len(os.Args) && !strings.HasPrefix(os.Args[i+1], "-") {
				_ = os.Setenv(envPrefix+"_CONFIG", os.Args[i+1])
			}
		} else if strings.HasPrefix(a, "--config=") {
			parts := strings.SplitN(a, "=", 2)
			if len(parts) == 2 {
				_ = os.Setenv(envPrefix+"_CONFIG", parts[1])
			}
		}
	}

	fs.String("provider", c.Provider, "Provider (e.g., stub, openai, vertexai)")
	fs.String("provider-api-key", c.APIKey, "Provider API key")
	fs.String("provider-embedding-model", c.EmbedModel, "Provider embedding model")
	fs.String("provider-answer-model", c.AnswerModel, "Provider answer-generation model")
	fs.String("provider-project-id", c.ProjectID, "Provider project ID")
	fs.String("provider-location", c.Location, "Provider location/region")

	fs.Int("embed-dim", c.Dim, "Embedding dimensionality")

	fs.String("store-driver", c.StoreDriver, "Vector store driver (local|postgres)")
	fs.String("data-dir", c.DataDir, "Data directory for the local vector store")
	fs.String("db-url", c.Database, "Database URL (DSN) for the postgres vector store")

	fs.String("doc", c.DocPath, "Path to an ordinance PDF to ingest")
	fs.String("doc-root", c.DocRoot, "Directory of ordinance PDFs to ingest")

	fs.Int("top-k", c.TopK, "Number of chunks retrieved per query")
	fs.Int("max-context-tokens", c.MaxContextTokens, "Token budget for the assembled context")
	fs.Int("chunk-max-tokens", c.ChunkMaxTokens, "Maximum tokens per chunk")
	fs.Int("chunk-overlap-tokens", c.ChunkOverlapTokens, "Token overlap between consecutive chunks")
	fs.Int("retry-max-attempts", c.RetryMaxAttempts, "Bounded retry attempts for provider calls")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")

	// Used later for usage/help
	// create a shallow copy of fs (so Usage can be called safely without mutating caller)
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("provider-api-key", &c.APIKey)
	setStr("provider-embedding-model", &c.EmbedModel)
	setStr("provider-answer-model", &c.AnswerModel)
	setStr("provider-project-id", &c.ProjectID)
	setStr("provider-location", &c.Location)

	setInt("embed-dim", &c.Dim)

	setStr("store-driver", &c.StoreDriver)
	setStr("data-dir", &c.DataDir)
	setStr("db-url", &c.Database)

	setStr("doc", &c.DocPath)
	setStr("doc-root", &c.DocRoot)

	setInt("top-k", &c.TopK)
	setInt("max-context-tokens", &c.MaxContextTokens)
	setInt("chunk-max-tokens", &c.ChunkMaxTokens)
	setInt("chunk-overlap-tokens", &c.ChunkOverlapTokens)
	setInt("retry-max-attempts", &c.RetryMaxAttempts)

	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)
}

func setDefaults(c *Specification) {
	c.Provider = "stub"
	c.StoreDriver = "local"
	c.DataDir = "./data"
	c.Dim = 0
	c.Location = "us-central1"
	c.TopK = 5
	c.MaxContextTokens = 3000
	c.ChunkMaxTokens = 800
	c.ChunkOverlapTokens = 80
	c.RetryMaxAttempts = 3
	c.LogLevel = "info"
	c.Port = 8080
}
