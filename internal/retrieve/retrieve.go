// Package retrieve finds the knowledge-base chunks most relevant to a
// user question.
//
// A question is expanded into a handful of query variants, each variant is
// searched concurrently, and the per-chunk scores are fused by taking the
// maximum across variants. A light lexical boost then nudges chunks whose
// title or text literally mention the question's terms, before the fused
// list is cut to the configured size.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/hoangsonww/lumina-core/internal/log"
	"github.com/hoangsonww/lumina-core/internal/vecstore"
)

// minVariantDepth is the per-variant result floor; shallow fetches starve
// fusion when variants overlap heavily.
const minVariantDepth = 10

// maxVariants bounds query expansion so latency stays flat on keyword-rich
// questions.
const maxVariants = 4

// snippetRunes caps citation snippet length.
const snippetRunes = 320

// Embedder converts text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the similarity-search surface the retriever reads from.
type Index interface {
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]vecstore.Match, error)
}

// Citation is one retrieved chunk, ready to ground an answer.
type Citation struct {
	ID         string
	SourceID   string
	Title      string
	URL        string
	Snippet    string
	SourceType string
	ChunkIndex int
	Score      float64
}

// Config tunes retrieval.
type Config struct {
	Namespace string

	// TopK is how many citations Retrieve returns at most.
	TopK int

	// BoostWeight scales the lexical overlap boost. Zero disables it.
	BoostWeight float64
}

// Retriever performs grounded retrieval. It is safe for concurrent use.
type Retriever struct {
	embedder Embedder
	index    Index
	cfg      Config
	logger   log.Logger
}

// New creates a Retriever.
func New(embedder Embedder, index Index, cfg Config, logger log.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if cfg.TopK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", cfg.TopK)
	}
	if cfg.BoostWeight < 0 || cfg.BoostWeight > 1 {
		return nil, fmt.Errorf("boost weight must be in [0, 1], got %g", cfg.BoostWeight)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{embedder: embedder, index: index, cfg: cfg, logger: logger}, nil
}

// Retrieve returns the best citations for the question, highest score
// first. Fewer than TopK results (or none) is not an error.
func (r *Retriever) Retrieve(ctx context.Context, question string) ([]Citation, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}

	variants := expandVariants(question)
	depth := max(2*r.cfg.TopK, minVariantDepth)

	var (
		mu    sync.Mutex
		fused = make(map[string]vecstore.Match)
	)
	grp, grpCtx := errgroup.WithContext(ctx)

	for _, variant := range variants {
		grp.Go(func() error {
			vec, err := r.embedder.Embed(grpCtx, variant)
			if err != nil {
				return fmt.Errorf("embedding variant %q: %w", variant, err)
			}
			matches, err := r.index.Query(grpCtx, r.cfg.Namespace, vec, depth)
			if err != nil {
				return fmt.Errorf("searching variant %q: %w", variant, err)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, m := range matches {
				if prev, ok := fused[m.ID]; !ok || m.Score > prev.Score {
					fused[m.ID] = m
				}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	terms := queryTerms(question)

	citations := make([]Citation, 0, len(fused))
	for _, m := range fused {
		c, ok := toCitation(m)
		if !ok {
			r.logger.Debug("dropping match with incomplete metadata", "id", m.ID)
			continue
		}
		c.Score += r.lexicalBoost(terms, c)
		citations = append(citations, c)
	}

	sort.Slice(citations, func(i, j int) bool {
		if citations[i].Score != citations[j].Score {
			return citations[i].Score > citations[j].Score
		}
		return citations[i].ID < citations[j].ID
	})

	if len(citations) > r.cfg.TopK {
		citations = citations[:r.cfg.TopK]
	}

	r.logger.Debug("retrieved citations",
		"question_length", len(question),
		"variants", len(variants),
		"results", len(citations))
	return citations, nil
}

// expandVariants returns the question plus topic-focused rewrites keyed
// off terms that commonly appear in questions about a person's work.
func expandVariants(question string) []string {
	variants := []string{question}
	lower := strings.ToLower(question)

	expansions := []struct {
		trigger string
		variant string
	}{
		{"project", "projects portfolio recent work"},
		{"experience", "professional experience background roles"},
		{"work", "professional experience background roles"},
		{"skill", "skills technologies tools expertise"},
		{"education", "education degrees certifications"},
		{"contact", "contact email links profiles"},
	}

	seen := map[string]bool{lower: true}
	for _, e := range expansions {
		if len(variants) >= maxVariants {
			break
		}
		if strings.Contains(lower, e.trigger) && !seen[e.variant] {
			variants = append(variants, e.variant)
			seen[e.variant] = true
		}
	}
	return variants
}

// toCitation validates a match's metadata and converts it. Matches missing
// text, title, or source ID cannot be cited and are dropped.
func toCitation(m vecstore.Match) (Citation, bool) {
	text, _ := m.Metadata["text"].(string)
	title, _ := m.Metadata["title"].(string)
	sourceID, _ := m.Metadata["source_id"].(string)
	if text == "" || title == "" || sourceID == "" {
		return Citation{}, false
	}

	url, _ := m.Metadata["url"].(string)
	sourceType, _ := m.Metadata["source_type"].(string)

	return Citation{
		ID:         m.ID,
		SourceID:   sourceID,
		Title:      title,
		URL:        url,
		Snippet:    truncateRunes(text, snippetRunes),
		SourceType: sourceType,
		ChunkIndex: chunkIndex(m.Metadata["chunk_index"]),
		Score:      m.Score,
	}, true
}

// chunkIndex tolerates the two shapes the index returns: int when records
// come straight from the pipeline, float64 when metadata round-trips
// through JSON.
func chunkIndex(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// lexicalBoost rewards citations whose visible fields literally contain
// the question's terms: matched/total scaled by the configured weight.
func (r *Retriever) lexicalBoost(terms []string, c Citation) float64 {
	if r.cfg.BoostWeight == 0 || len(terms) == 0 {
		return 0
	}

	haystack := strings.ToLower(c.Title + " " + c.SourceType + " " + c.Snippet)
	matched := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms)) * r.cfg.BoostWeight
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "what": true, "who": true, "how": true, "when": true,
	"where": true, "which": true, "has": true, "have": true, "had": true,
	"was": true, "were": true, "are": true, "does": true, "did": true,
	"can": true, "could": true, "about": true, "tell": true, "you": true,
}

// queryTerms lowercases and tokenizes the question, dropping stopwords
// and tokens shorter than three runes.
func queryTerms(question string) []string {
	fields := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
