package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/hoangsonww/lumina-core/internal/gemini"
	"github.com/hoangsonww/lumina-core/internal/log"
	"github.com/hoangsonww/lumina-core/internal/registry"
	"github.com/hoangsonww/lumina-core/internal/retrieve"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRetriever struct {
	citations []retrieve.Citation
	err       error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string) ([]retrieve.Citation, error) {
	return f.citations, f.err
}

type fakeGenerator struct {
	mu         sync.Mutex
	calls      []string
	lastReq    gemini.Request
	replies    map[string]string   // model -> blocking reply
	errs       map[string]error    // model -> blocking error
	streams    map[string][]string // model -> fragments
	streamErrs map[string]error    // model -> error after fragments
}

func (g *fakeGenerator) record(model string, req gemini.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, model)
	g.lastReq = req
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) Generate(_ context.Context, model string, req gemini.Request) (string, error) {
	g.record(model, req)
	if err := g.errs[model]; err != nil {
		return "", err
	}
	return g.replies[model], nil
}

func (g *fakeGenerator) GenerateStream(_ context.Context, model string, req gemini.Request) iter.Seq2[string, error] {
	g.record(model, req)
	return func(yield func(string, error) bool) {
		for _, fragment := range g.streams[model] {
			if !yield(fragment, nil) {
				return
			}
		}
		if err := g.streamErrs[model]; err != nil {
			yield("", err)
		}
	}
}

type staticLister struct {
	models []string
}

func (l *staticLister) ListModels(_ context.Context) ([]gemini.ModelInfo, error) {
	infos := make([]gemini.ModelInfo, 0, len(l.models))
	for _, m := range l.models {
		infos = append(infos, gemini.ModelInfo{Name: m, Actions: []string{"generateContent"}})
	}
	return infos, nil
}

func newTestRotator(t *testing.T, models ...string) *registry.Registry {
	t.Helper()

	reg, err := registry.New(&staticLister{models: models}, registry.Config{Family: "gemini"}, log.NewNop())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	return reg
}

func newTestEngine(t *testing.T, retriever Retriever, generator Generator, rotator Rotator) *Engine {
	t.Helper()

	e, err := New(retriever, generator, rotator, Config{}, log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func citations(n int) []retrieve.Citation {
	out := make([]retrieve.Citation, 0, n)
	for i := range n {
		out = append(out, retrieve.Citation{
			ID:       fmt.Sprintf("src::%d", i),
			SourceID: "src",
			Title:    fmt.Sprintf("Source %d", i+1),
			URL:      fmt.Sprintf("https://example.com/%d", i+1),
			Snippet:  fmt.Sprintf("Snippet number %d.", i+1),
			Score:    1.0 - float64(i)*0.1,
		})
	}
	return out
}

func TestAnswer_ZeroSourcesShortCircuits(t *testing.T) {
	generator := &fakeGenerator{}
	e := newTestEngine(t, &fakeRetriever{}, generator, newTestRotator(t, "gemini-a"))

	answer, err := e.Answer(context.Background(), nil, "anything at all")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	if answer.Text != FallbackMessage {
		t.Errorf("Text = %q, want fallback message", answer.Text)
	}
	if answer.Sources == nil || len(answer.Sources) != 0 {
		t.Errorf("Sources = %#v, want empty non-nil slice", answer.Sources)
	}
	if generator.callCount() != 0 {
		t.Errorf("generator calls = %d, want 0 on short-circuit", generator.callCount())
	}
}

func TestAnswer_GroundedSuccess(t *testing.T) {
	sources := citations(2)
	generator := &fakeGenerator{replies: map[string]string{
		"gemini-a": "Built a chatbot [1] and a search engine [2].",
	}}
	e := newTestEngine(t, &fakeRetriever{citations: sources}, generator, newTestRotator(t, "gemini-a"))

	history := []gemini.Turn{{Role: "user", Text: "hi"}, {Role: "model", Text: "hello"}}
	answer, err := e.Answer(context.Background(), history, "What has David built?")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	if answer.Text != generator.replies["gemini-a"] {
		t.Errorf("Text = %q", answer.Text)
	}
	if len(answer.Sources) != 2 || answer.Sources[0].ID != "src::0" {
		t.Errorf("Sources = %+v, want retrieval passthrough", answer.Sources)
	}

	req := generator.lastReq
	if req.System != groundingInstructions {
		t.Errorf("System = %q, want grounding instructions", req.System)
	}
	if len(req.Turns) != 3 {
		t.Fatalf("len(Turns) = %d, want history plus grounding turn", len(req.Turns))
	}
	last := req.Turns[2].Text
	for _, want := range []string{"[1] Source 1", "[2] Source 2", "Snippet number 2.", "Question: What has David built?"} {
		if !strings.Contains(last, want) {
			t.Errorf("grounding turn missing %q:\n%s", want, last)
		}
	}

	// Bracket indices in the answer must stay within the source list.
	for _, m := range regexp.MustCompile(`\[(\d+)\]`).FindAllStringSubmatch(answer.Text, -1) {
		idx, _ := strconv.Atoi(m[1])
		if idx < 1 || idx > len(answer.Sources) {
			t.Errorf("citation %s out of range 1..%d", m[0], len(answer.Sources))
		}
	}
}

func TestAnswer_RotatesPastFailingModel(t *testing.T) {
	generator := &fakeGenerator{
		errs:    map[string]error{"gemini-a": errors.New("overloaded")},
		replies: map[string]string{"gemini-b": "answer [1]"},
	}
	e := newTestEngine(t, &fakeRetriever{citations: citations(1)}, generator,
		newTestRotator(t, "gemini-a", "gemini-b"))

	answer, err := e.Answer(context.Background(), nil, "question")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer.Text != "answer [1]" {
		t.Errorf("Text = %q, want the second model's reply", answer.Text)
	}
	if generator.callCount() != 2 {
		t.Errorf("generator calls = %d, want 2", generator.callCount())
	}
}

func TestAnswer_AllModelsFail(t *testing.T) {
	boom := errors.New("overloaded")
	generator := &fakeGenerator{errs: map[string]error{"gemini-a": boom, "gemini-b": boom}}
	e := newTestEngine(t, &fakeRetriever{citations: citations(1)}, generator,
		newTestRotator(t, "gemini-a", "gemini-b"))

	if _, err := e.Answer(context.Background(), nil, "question"); !errors.Is(err, boom) {
		t.Fatalf("Answer() error = %v, want wrapped provider error", err)
	}
}

func drain(s *Stream) []string {
	var fragments []string
	for f := range s.Fragments() {
		fragments = append(fragments, f)
	}
	return fragments
}

func TestAnswerStream_FragmentsConcatenateToText(t *testing.T) {
	generator := &fakeGenerator{streams: map[string][]string{
		"gemini-a": {"Built ", "a chatbot ", "[1]."},
	}}
	e := newTestEngine(t, &fakeRetriever{citations: citations(1)}, generator, newTestRotator(t, "gemini-a"))

	s := e.AnswerStream(context.Background(), nil, "question")
	fragments := drain(s)
	answer, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if got := strings.Join(fragments, ""); got != answer.Text {
		t.Errorf("fragments concat = %q, text = %q", got, answer.Text)
	}
	if answer.Text != "Built a chatbot [1]." {
		t.Errorf("Text = %q", answer.Text)
	}
	if len(answer.Sources) != 1 {
		t.Errorf("Sources = %+v", answer.Sources)
	}
}

func TestAnswerStream_FallbackPathIsEquivalent(t *testing.T) {
	generator := &fakeGenerator{}
	e := newTestEngine(t, &fakeRetriever{}, generator, newTestRotator(t, "gemini-a"))

	s := e.AnswerStream(context.Background(), nil, "question")
	fragments := drain(s)
	answer, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if len(fragments) != 1 || fragments[0] != FallbackMessage {
		t.Errorf("fragments = %q, want single fallback message", fragments)
	}
	if answer.Text != FallbackMessage || len(answer.Sources) != 0 {
		t.Errorf("answer = %+v, want fallback with no sources", answer)
	}
	if generator.callCount() != 0 {
		t.Errorf("generator calls = %d, want 0", generator.callCount())
	}
}

func TestAnswerStream_RotatesWhenAttemptFailsBeforeText(t *testing.T) {
	generator := &fakeGenerator{
		streamErrs: map[string]error{"gemini-a": errors.New("overloaded")},
		streams:    map[string][]string{"gemini-b": {"answer ", "[1]"}},
	}
	e := newTestEngine(t, &fakeRetriever{citations: citations(1)}, generator,
		newTestRotator(t, "gemini-a", "gemini-b"))

	s := e.AnswerStream(context.Background(), nil, "question")
	fragments := drain(s)
	answer, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if answer.Text != "answer [1]" {
		t.Errorf("Text = %q, want the second model's stream", answer.Text)
	}
	if got := strings.Join(fragments, ""); got != answer.Text {
		t.Errorf("fragments concat = %q, text = %q", got, answer.Text)
	}
}

func TestAnswerStream_MidStreamFailureDoesNotRestart(t *testing.T) {
	generator := &fakeGenerator{
		streams:    map[string][]string{"gemini-a": {"partial "}},
		streamErrs: map[string]error{"gemini-a": errors.New("connection reset")},
	}
	e := newTestEngine(t, &fakeRetriever{citations: citations(1)}, generator,
		newTestRotator(t, "gemini-a", "gemini-b"))

	s := e.AnswerStream(context.Background(), nil, "question")
	drain(s)
	if _, err := s.Wait(); err == nil {
		t.Fatal("Wait() should fail after a mid-stream error")
	}

	// Fragments were already delivered, so no second model is attempted.
	if generator.callCount() != 1 {
		t.Errorf("generator calls = %d, want 1", generator.callCount())
	}
}

func TestAnswerStream_EmptyStreamRotates(t *testing.T) {
	generator := &fakeGenerator{streams: map[string][]string{
		"gemini-a": nil,
		"gemini-b": {"real answer [1]"},
	}}
	e := newTestEngine(t, &fakeRetriever{citations: citations(1)}, generator,
		newTestRotator(t, "gemini-a", "gemini-b"))

	s := e.AnswerStream(context.Background(), nil, "question")
	drain(s)
	answer, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if answer.Text != "real answer [1]" {
		t.Errorf("Text = %q", answer.Text)
	}
}

func TestAnswerStream_AbandonedConsumerUnblocksOnCancel(t *testing.T) {
	generator := &fakeGenerator{streams: map[string][]string{
		"gemini-a": {"never ", "read"},
	}}
	e := newTestEngine(t, &fakeRetriever{citations: citations(1)}, generator, newTestRotator(t, "gemini-a"))

	ctx, cancel := context.WithCancel(context.Background())
	s := e.AnswerStream(ctx, nil, "question")
	cancel()

	if _, err := s.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestGroundingMessage_NumbersSourcesFromOne(t *testing.T) {
	msg := groundingMessage("q", citations(3))

	for i := 1; i <= 3; i++ {
		if !strings.Contains(msg, fmt.Sprintf("[%d] Source %d", i, i)) {
			t.Errorf("grounding message missing source %d:\n%s", i, msg)
		}
	}
	if strings.Contains(msg, "[4]") {
		t.Errorf("grounding message numbers beyond source count:\n%s", msg)
	}
}
