// Package ingest turns documents into embedded, queryable vector records.
//
// The pipeline is deliberately strict about ordering: every chunk is
// embedded and validated before the first write, so a provider failure
// never leaves a source half-replaced.
package ingest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hoangsonww/lumina-core/internal/chunk"
	"github.com/hoangsonww/lumina-core/internal/log"
	"github.com/hoangsonww/lumina-core/internal/vecstore"
)

// Embedder converts text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector store surface the pipeline writes to.
type Index interface {
	Upsert(ctx context.Context, namespace string, records []vecstore.Record) error
	DeleteBySource(ctx context.Context, namespace, sourceID string) (int64, error)
}

// Request describes one document to ingest.
type Request struct {
	// SourceID identifies the document; chunk IDs derive from it.
	SourceID string

	// Title and URL are carried into chunk metadata for citation.
	Title string
	URL   string

	// SourceType categorizes the document ("file", "url", "note").
	SourceType string

	// Text is the full document body.
	Text string

	// ReplaceExisting deletes all previously ingested chunks of this
	// source before writing the new ones.
	ReplaceExisting bool
}

// Config tunes the pipeline.
type Config struct {
	// Namespace is the vector-store namespace written to.
	Namespace string

	// BatchSize caps how many records go into a single upsert call.
	BatchSize int

	// Chunking controls how documents are split.
	Chunking chunk.Options
}

// Pipeline ingests documents. It is safe for concurrent use as long as
// callers do not ingest the same source concurrently.
type Pipeline struct {
	embedder Embedder
	index    Index
	cfg      Config
	logger   log.Logger
}

// New creates a Pipeline.
func New(embedder Embedder, index Index, cfg Config, logger log.Logger) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pipeline{embedder: embedder, index: index, cfg: cfg, logger: logger}, nil
}

// ChunkID returns the deterministic record ID for one chunk of a source.
// Re-ingesting a source yields the same IDs, so upserts overwrite in place.
func ChunkID(sourceID string, index int) string {
	return sourceID + "::" + strconv.Itoa(index)
}

// Ingest splits, embeds, and stores one document. It returns the number
// of chunks written.
//
// When the document yields no chunks (empty or whitespace-only text) no
// records are written; with ReplaceExisting set, existing chunks of the
// source are still deleted so the source ends up absent.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (int, error) {
	if req.SourceID == "" {
		return 0, fmt.Errorf("source ID is required")
	}

	chunks := chunk.Split(req.Text, p.cfg.Chunking)
	if len(chunks) == 0 {
		if req.ReplaceExisting {
			if _, err := p.index.DeleteBySource(ctx, p.cfg.Namespace, req.SourceID); err != nil {
				return 0, fmt.Errorf("deleting source %q: %w", req.SourceID, err)
			}
		}
		p.logger.Info("nothing to ingest", "source_id", req.SourceID)
		return 0, nil
	}

	// Embed everything up front. A failure here aborts before any write,
	// leaving previously ingested chunks intact.
	records := make([]vecstore.Record, 0, len(chunks))
	for i, text := range chunks {
		vec, err := p.embedder.Embed(ctx, text)
		if err != nil {
			return 0, fmt.Errorf("embedding chunk %d of %q: %w", i, req.SourceID, err)
		}
		records = append(records, vecstore.Record{
			ID:        ChunkID(req.SourceID, i),
			Embedding: vec,
			Metadata: map[string]any{
				"text":        text,
				"source_id":   req.SourceID,
				"title":       req.Title,
				"source_type": req.SourceType,
				"url":         req.URL,
				"chunk_index": i,
			},
		})
	}

	if req.ReplaceExisting {
		deleted, err := p.index.DeleteBySource(ctx, p.cfg.Namespace, req.SourceID)
		if err != nil {
			return 0, fmt.Errorf("deleting source %q: %w", req.SourceID, err)
		}
		if deleted > 0 {
			p.logger.Debug("replaced existing chunks", "source_id", req.SourceID, "deleted", deleted)
		}
	}

	for start := 0; start < len(records); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(records))
		if err := p.index.Upsert(ctx, p.cfg.Namespace, records[start:end]); err != nil {
			return 0, fmt.Errorf("upserting chunks %d..%d of %q: %w", start, end-1, req.SourceID, err)
		}
	}

	p.logger.Info("ingested document",
		"source_id", req.SourceID,
		"source_type", req.SourceType,
		"chunks", len(records))
	return len(records), nil
}

// DeleteSource removes every stored chunk of a source. Removing a source
// that was never ingested succeeds with a zero count.
func (p *Pipeline) DeleteSource(ctx context.Context, sourceID string) (int64, error) {
	if sourceID == "" {
		return 0, fmt.Errorf("source ID is required")
	}

	deleted, err := p.index.DeleteBySource(ctx, p.cfg.Namespace, sourceID)
	if err != nil {
		return 0, fmt.Errorf("deleting source %q: %w", sourceID, err)
	}

	p.logger.Info("deleted source", "source_id", sourceID, "chunks", deleted)
	return deleted, nil
}
