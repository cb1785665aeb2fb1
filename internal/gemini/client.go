// Package gemini wraps the Gemini API behind the three provider calls the
// engine needs: text embedding, model listing, and content generation in
// blocking and streaming form.
//
// Consumers depend on interfaces they define themselves (ingest.Embedder,
// registry.Lister, engine.Generator); *Client satisfies all of them. The
// request and model types in this package are the shared vocabulary of
// those interfaces.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/hoangsonww/lumina-core/internal/log"
)

// ErrMalformedResponse indicates the provider returned something other
// than the expected shape: a missing or wrong-length embedding vector, or
// a completion with no text.
var ErrMalformedResponse = errors.New("malformed provider response")

// ModelInfo describes one generation-model identifier as reported by the
// provider's listing endpoint.
type ModelInfo struct {
	Name    string
	Actions []string
}

// Turn is one conversation turn. Role is "user" or "model".
type Turn struct {
	Role string
	Text string
}

// Request carries everything a generation call needs besides the model
// name, which the model registry chooses per attempt.
type Request struct {
	System          string
	Turns           []Turn
	Temperature     float32
	TopP            float32
	MaxOutputTokens int32
}

// Config configures the provider client.
type Config struct {
	// APIKey authenticates against the Gemini API.
	APIKey string

	// EmbedderModel is the embedding model identifier.
	EmbedderModel string

	// VectorDimension is the requested (and enforced) embedding length.
	VectorDimension int

	Logger log.Logger
}

// Client is a stateless Gemini API client. It is safe for concurrent use.
type Client struct {
	api       *genai.Client
	embedder  string
	dimension int
	logger    log.Logger
}

// New creates a Client. The API key is required; everything else has
// sensible defaults upstream in config.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	api, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &Client{
		api:       api,
		embedder:  cfg.EmbedderModel,
		dimension: cfg.VectorDimension,
		logger:    cfg.Logger,
	}, nil
}

// Embed converts text into a fixed-dimension vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := int32(c.dimension)
	resp, err := c.api.Models.EmbedContent(ctx, c.embedder, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}

	vec, err := embeddingValues(resp, c.dimension)
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// embeddingValues extracts and shape-checks the first embedding of resp.
func embeddingValues(resp *genai.EmbedContentResponse, dimension int) ([]float32, error) {
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("%w: no embedding returned", ErrMalformedResponse)
	}
	values := resp.Embeddings[0].Values
	if len(values) != dimension {
		return nil, fmt.Errorf("%w: embedding has %d dimensions, want %d",
			ErrMalformedResponse, len(values), dimension)
	}
	return values, nil
}

// ListModels returns every model the provider currently advertises, with
// its supported actions. Filtering is the registry's concern.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	for model, err := range c.api.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("listing models: %w", err)
		}
		if model == nil {
			continue
		}
		models = append(models, ModelInfo{
			Name:    model.Name,
			Actions: model.SupportedActions,
		})
	}
	return models, nil
}

// Generate produces a complete answer from the given model.
func (c *Client) Generate(ctx context.Context, model string, req Request) (string, error) {
	resp, err := c.api.Models.GenerateContent(ctx, model, toContents(req.Turns), generationConfig(req))
	if err != nil {
		return "", fmt.Errorf("generating with %s: %w", model, err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: model %s returned no text", ErrMalformedResponse, model)
	}
	return text, nil
}

// GenerateStream yields ordered text fragments from the given model. The
// sequence ends after the final fragment or the first error.
func (c *Client) GenerateStream(ctx context.Context, model string, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range c.api.Models.GenerateContentStream(ctx, model, toContents(req.Turns), generationConfig(req)) {
			if err != nil {
				yield("", fmt.Errorf("streaming from %s: %w", model, err))
				return
			}
			fragment := resp.Text()
			if fragment == "" {
				continue
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}

// toContents converts conversation turns to the wire representation.
func toContents(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		var role genai.Role = genai.RoleUser
		if t.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	return contents
}

// generationConfig builds the per-call configuration. Safety thresholds
// are permissive: the knowledge base is curated, low-risk content, and
// over-blocking grounded answers hurts more than it protects.
func generationConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		TopP:            genai.Ptr(req.TopP),
		MaxOutputTokens: req.MaxOutputTokens,
		SafetySettings:  permissiveSafetySettings(),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	return cfg
}

func permissiveSafetySettings() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}

	settings := make([]*genai.SafetySetting, 0, len(categories))
	for _, cat := range categories {
		settings = append(settings, &genai.SafetySetting{
			Category:  cat,
			Threshold: genai.HarmBlockThresholdBlockNone,
		})
	}
	return settings
}
