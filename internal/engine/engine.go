// Package engine answers questions grounded in retrieved knowledge.
//
// Every answer is built from citations retrieved for the question; when
// retrieval finds nothing, the engine returns a fixed fallback message
// and never calls the generation provider. Generation runs through the
// model registry's rotation so a degraded model does not take the whole
// engine down with it.
package engine

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"golang.org/x/time/rate"

	"github.com/hoangsonww/lumina-core/internal/gemini"
	"github.com/hoangsonww/lumina-core/internal/log"
	"github.com/hoangsonww/lumina-core/internal/retrieve"
)

// FallbackMessage is returned verbatim when retrieval produces no
// sources. Returning it is a policy outcome, not an error.
const FallbackMessage = "I don't have enough information in my knowledge base to answer that. " +
	"Please add relevant sources and ask again."

// groundingInstructions is the fixed system prompt for grounded answers.
const groundingInstructions = `You are a helpful assistant that answers strictly from the numbered sources provided.
Rules:
- Use only information found in the sources. Never invent facts.
- Cite every sentence with the bracketed index of its source, e.g. [1], matching the source numbering.
- If multiple sources repeat the same item, mention it once.
- Prefer compact lists when enumerating projects, skills, or similar items.
- If the sources do not answer the question, say so plainly.`

// Fixed sampling configuration for grounded generation. Low temperature
// keeps answers close to the cited material.
const (
	temperature     = 0.35
	topP            = 0.9
	maxOutputTokens = 2048
)

// promptSnippetRunes caps how much of each source goes into the prompt.
const promptSnippetRunes = 800

// Retriever finds citations for a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string) ([]retrieve.Citation, error)
}

// Generator produces text from a chosen model.
type Generator interface {
	Generate(ctx context.Context, model string, req gemini.Request) (string, error)
	GenerateStream(ctx context.Context, model string, req gemini.Request) iter.Seq2[string, error]
}

// Rotator hands out model candidates in failover order.
type Rotator interface {
	RunWithRotation(ctx context.Context, action func(ctx context.Context, model string) error) error
	RotatedModels(ctx context.Context) ([]string, error)
}

// Answer is a grounded response. The position of each citation in
// Sources is the authoritative target of the bracketed indices in Text.
type Answer struct {
	Text    string
	Sources []retrieve.Citation
}

// Config tunes the engine.
type Config struct {
	// RequestsPerSecond throttles generation requests. Zero disables
	// throttling.
	RequestsPerSecond float64

	// Burst is the rate limiter burst size; defaults to 1 when
	// throttling is enabled.
	Burst int
}

// Engine produces grounded answers. It is safe for concurrent use.
type Engine struct {
	retriever Retriever
	generator Generator
	rotator   Rotator
	limiter   *rate.Limiter
	logger    log.Logger
}

// New creates an Engine.
func New(retriever Retriever, generator Generator, rotator Rotator, cfg Config, logger log.Logger) (*Engine, error) {
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if rotator == nil {
		return nil, fmt.Errorf("rotator is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Engine{
		retriever: retriever,
		generator: generator,
		rotator:   rotator,
		limiter:   limiter,
		logger:    logger,
	}, nil
}

// Answer produces a complete grounded answer for message, given the
// rolling conversation history.
func (e *Engine) Answer(ctx context.Context, history []gemini.Turn, message string) (*Answer, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}

	citations, err := e.retriever.Retrieve(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("retrieving sources: %w", err)
	}
	if len(citations) == 0 {
		e.logger.Info("no sources retrieved, returning fallback", "question_length", len(message))
		return &Answer{Text: FallbackMessage, Sources: []retrieve.Citation{}}, nil
	}

	req := buildRequest(history, message, citations)

	var text string
	err = e.rotator.RunWithRotation(ctx, func(ctx context.Context, model string) error {
		out, genErr := e.generator.Generate(ctx, model, req)
		if genErr != nil {
			return genErr
		}
		text = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	e.logger.Info("answered", "sources", len(citations), "answer_length", len(text))
	return &Answer{Text: text, Sources: citations}, nil
}

// Stream is a finite, ordered stream of answer fragments with a terminal
// result. Fragments() closes when the stream ends; Wait blocks until then
// and reports the full answer or the terminal error.
//
// Callers must either drain Fragments or cancel the context passed to
// AnswerStream; an abandoned, undrained stream otherwise blocks its
// producer.
type Stream struct {
	fragments chan string
	done      chan struct{}
	answer    *Answer
	err       error
}

// Fragments returns the ordered fragment channel.
func (s *Stream) Fragments() <-chan string { return s.fragments }

// Wait blocks until the stream completes and returns the terminal result.
// The returned text is the concatenation of every delivered fragment.
func (s *Stream) Wait() (*Answer, error) {
	<-s.done
	return s.answer, s.err
}

// AnswerStream is the streaming counterpart of Answer. Retrieval, prompt
// construction, and the zero-source fallback behave identically; only
// delivery granularity differs.
//
// Model rotation applies to attempts that fail before producing any text.
// Once a fragment has been delivered, a mid-stream failure terminates the
// stream with that error rather than restarting on another model, so the
// delivered fragments always concatenate to the terminal text.
func (e *Engine) AnswerStream(ctx context.Context, history []gemini.Turn, message string) *Stream {
	s := &Stream{
		fragments: make(chan string),
		done:      make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.fragments)
		s.answer, s.err = e.streamAnswer(ctx, s, history, message)
	}()

	return s
}

func (e *Engine) streamAnswer(ctx context.Context, s *Stream, history []gemini.Turn, message string) (*Answer, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}

	citations, err := e.retriever.Retrieve(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("retrieving sources: %w", err)
	}
	if len(citations) == 0 {
		if err := s.send(ctx, FallbackMessage); err != nil {
			return nil, err
		}
		return &Answer{Text: FallbackMessage, Sources: []retrieve.Citation{}}, nil
	}

	req := buildRequest(history, message, citations)

	models, err := e.rotator.RotatedModels(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, model := range models {
		var acc strings.Builder
		attemptErr := func() error {
			for fragment, streamErr := range e.generator.GenerateStream(ctx, model, req) {
				if streamErr != nil {
					return streamErr
				}
				if err := s.send(ctx, fragment); err != nil {
					return err
				}
				acc.WriteString(fragment)
			}
			if acc.Len() == 0 {
				return fmt.Errorf("%w: model %s streamed no text", gemini.ErrMalformedResponse, model)
			}
			return nil
		}()

		if attemptErr != nil {
			if acc.Len() > 0 || ctx.Err() != nil {
				return nil, attemptErr
			}
			e.logger.Warn("stream attempt failed", "model", model, "error", attemptErr)
			lastErr = attemptErr
			continue
		}

		e.logger.Info("answered via stream", "model", model, "sources", len(citations))
		return &Answer{Text: acc.String(), Sources: citations}, nil
	}

	return nil, fmt.Errorf("all %d models failed: %w", len(models), lastErr)
}

// send delivers one fragment, giving up when the context is canceled so
// an abandoned consumer cannot wedge the producer goroutine.
func (s *Stream) send(ctx context.Context, fragment string) error {
	select {
	case s.fragments <- fragment:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// buildRequest assembles the grounded generation request: the fixed
// instruction block as the system prompt, the rolling history, and a
// final user turn holding the numbered sources plus the question.
func buildRequest(history []gemini.Turn, message string, citations []retrieve.Citation) gemini.Request {
	turns := make([]gemini.Turn, 0, len(history)+1)
	turns = append(turns, history...)
	turns = append(turns, gemini.Turn{
		Role: "user",
		Text: groundingMessage(message, citations),
	})

	return gemini.Request{
		System:          groundingInstructions,
		Turns:           turns,
		Temperature:     temperature,
		TopP:            topP,
		MaxOutputTokens: maxOutputTokens,
	}
}

// groundingMessage numbers the sources from 1 so bracket citations in the
// answer map directly to positions in Answer.Sources.
func groundingMessage(message string, citations []retrieve.Citation) string {
	var b strings.Builder
	b.WriteString("Sources:\n")
	for i, c := range citations {
		fmt.Fprintf(&b, "[%d] %s", i+1, c.Title)
		if c.URL != "" {
			fmt.Fprintf(&b, " (%s)", c.URL)
		}
		b.WriteString("\n")
		b.WriteString(truncateRunes(c.Snippet, promptSnippetRunes))
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(message)
	return b.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
