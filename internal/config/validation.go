package config

import (
	"fmt"
	"os"
)

// Validate checks configuration values and returns sentinel errors usable
// with errors.Is.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// API key is required for every embedding and generation call.
	if os.Getenv(EnvAPIKey) == "" {
		return fmt.Errorf("%w: %s environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey, EnvAPIKey)
	}

	// Chunking: bounds must nest so chunks always have room for overlap.
	if c.ChunkMaxChars <= 0 {
		return fmt.Errorf("%w: chunk_max_chars must be positive, got %d", ErrInvalidChunking, c.ChunkMaxChars)
	}
	if c.ChunkMinChars < 0 || c.ChunkMinChars >= c.ChunkMaxChars {
		return fmt.Errorf("%w: chunk_min_chars must be in [0, chunk_max_chars), got %d", ErrInvalidChunking, c.ChunkMinChars)
	}
	if c.ChunkOverlapChars < 0 || c.ChunkOverlapChars >= c.ChunkMaxChars {
		return fmt.Errorf("%w: chunk_overlap_chars must be in [0, chunk_max_chars), got %d", ErrInvalidChunking, c.ChunkOverlapChars)
	}
	if c.UpsertBatchSize < 1 || c.UpsertBatchSize > 100 {
		return fmt.Errorf("%w: upsert_batch_size must be between 1 and 100, got %d", ErrInvalidChunking, c.UpsertBatchSize)
	}

	// Retrieval.
	if c.TopK < 1 || c.TopK > 50 {
		return fmt.Errorf("%w: top_k must be between 1 and 50, got %d", ErrInvalidTopK, c.TopK)
	}
	if c.Namespace == "" {
		return fmt.Errorf("%w: namespace cannot be empty", ErrInvalidNamespace)
	}
	if c.BoostWeight < 0 || c.BoostWeight > 1 {
		return fmt.Errorf("%w: boost_weight must be between 0 and 1, got %.2f", ErrInvalidTopK, c.BoostWeight)
	}

	// Embeddings. gemini-embedding-001 supports Matryoshka truncation to
	// 768, 1536, or 3072 dimensions; the schema pins one of these.
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidVectorDimension)
	}
	switch c.VectorDimension {
	case 768, 1536, 3072:
	default:
		return fmt.Errorf("%w: vector_dimension must be 768, 1536, or 3072, got %d",
			ErrInvalidVectorDimension, c.VectorDimension)
	}

	// PostgreSQL.
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	return nil
}
