// Package config provides application configuration with multi-source
// priority.
//
// Sources, highest priority first:
//  1. Environment variables
//  2. Config file (~/.lumina/config.yaml)
//  3. Defaults
//
// Categories:
//   - AI: generation model family, embedder model, vector dimension
//   - Storage: PostgreSQL connection for the vector index (storage.go)
//   - Ingestion: chunk sizing and upsert batch size
//   - Retrieval: topK, lexical boost weight
//   - Registry: model-list cache TTLs and static fallback models
//
// Sensitive values are masked in MarshalJSON. Validation is fail-fast with
// sentinel errors usable via errors.Is (validation.go).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the Gemini API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidChunking indicates inconsistent chunk size parameters.
	ErrInvalidChunking = errors.New("invalid chunking parameters")

	// ErrInvalidTopK indicates the retrieval topK is out of range.
	ErrInvalidTopK = errors.New("invalid topK")

	// ErrInvalidVectorDimension indicates an unsupported embedding dimension.
	ErrInvalidVectorDimension = errors.New("invalid vector dimension")

	// ErrInvalidNamespace indicates a missing or malformed index namespace.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")
)

const (
	// DefaultEmbedderModel is the Gemini embedding model. It outputs 3072
	// dimensions by default but supports Matryoshka truncation to 768,
	// which matches the pgvector schema in db/migrations.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultVectorDimension matches the vector(768) column.
	DefaultVectorDimension = 768

	// DefaultNamespace scopes vector records when the caller does not
	// partition the index.
	DefaultNamespace = "knowledge"

	// EnvAPIKey is the environment variable holding the Gemini API key.
	// It is read directly by the provider client, never stored in files.
	EnvAPIKey = "GEMINI_API_KEY"
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON; update it when
// adding passwords, keys, or tokens.
type Config struct {
	// AI configuration
	EmbedderModel   string `mapstructure:"embedder_model" json:"embedder_model"`
	VectorDimension int    `mapstructure:"vector_dimension" json:"vector_dimension"`

	// Ingestion configuration
	ChunkMaxChars     int `mapstructure:"chunk_max_chars" json:"chunk_max_chars"`
	ChunkMinChars     int `mapstructure:"chunk_min_chars" json:"chunk_min_chars"`
	ChunkOverlapChars int `mapstructure:"chunk_overlap_chars" json:"chunk_overlap_chars"`
	UpsertBatchSize   int `mapstructure:"upsert_batch_size" json:"upsert_batch_size"`

	// Retrieval configuration
	Namespace   string  `mapstructure:"namespace" json:"namespace"`
	TopK        int     `mapstructure:"top_k" json:"top_k"`
	BoostWeight float64 `mapstructure:"boost_weight" json:"boost_weight"`

	// Model registry configuration
	ModelFamily    string   `mapstructure:"model_family" json:"model_family"`
	FallbackModels []string `mapstructure:"fallback_models" json:"fallback_models"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
}

// Load loads configuration with env > file > defaults priority.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".lumina")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading files or the
// environment. Tests use it as a valid baseline.
func Default() *Config {
	return &Config{
		EmbedderModel:     DefaultEmbedderModel,
		VectorDimension:   DefaultVectorDimension,
		ChunkMaxChars:     1200,
		ChunkMinChars:     240,
		ChunkOverlapChars: 160,
		UpsertBatchSize:   50,
		Namespace:         DefaultNamespace,
		TopK:              10,
		BoostWeight:       0.15,
		ModelFamily:       "gemini",
		FallbackModels: []string{
			"gemini-2.5-flash",
			"gemini-2.0-flash",
			"gemini-flash-latest",
		},
		PostgresHost:     "localhost",
		PostgresPort:     5432,
		PostgresUser:     "lumina",
		PostgresPassword: "lumina_dev_password",
		PostgresDBName:   "lumina",
		PostgresSSLMode:  "disable",
	}
}

// setDefaults registers defaults with viper, mirroring Default().
func setDefaults() {
	d := Default()

	viper.SetDefault("embedder_model", d.EmbedderModel)
	viper.SetDefault("vector_dimension", d.VectorDimension)
	viper.SetDefault("chunk_max_chars", d.ChunkMaxChars)
	viper.SetDefault("chunk_min_chars", d.ChunkMinChars)
	viper.SetDefault("chunk_overlap_chars", d.ChunkOverlapChars)
	viper.SetDefault("upsert_batch_size", d.UpsertBatchSize)
	viper.SetDefault("namespace", d.Namespace)
	viper.SetDefault("top_k", d.TopK)
	viper.SetDefault("boost_weight", d.BoostWeight)
	viper.SetDefault("model_family", d.ModelFamily)
	viper.SetDefault("fallback_models", d.FallbackModels)
	viper.SetDefault("postgres_host", d.PostgresHost)
	viper.SetDefault("postgres_port", d.PostgresPort)
	viper.SetDefault("postgres_user", d.PostgresUser)
	viper.SetDefault("postgres_password", d.PostgresPassword)
	viper.SetDefault("postgres_db_name", d.PostgresDBName)
	viper.SetDefault("postgres_ssl_mode", d.PostgresSSLMode)
}

// bindEnvVariables binds runtime overrides explicitly. GEMINI_API_KEY is
// read directly by the provider client, not via viper; its presence is
// checked in Validate.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("embedder_model", "LUMINA_EMBEDDER_MODEL")
	mustBind("namespace", "LUMINA_NAMESPACE")
	mustBind("top_k", "LUMINA_TOP_K")
	mustBind("model_family", "LUMINA_MODEL_FAMILY")
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep two characters of context on each side.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks sensitive fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer so secrets never leak through fmt verbs.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
