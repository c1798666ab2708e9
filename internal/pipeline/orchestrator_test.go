package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyrag/internal/config"
	"policyrag/internal/consistency"
	"policyrag/internal/governor"
	"policyrag/internal/reframe"
	"policyrag/internal/retrieval"
	"policyrag/internal/websearch"
)

// =============================================================================
// STAGE STUBS
// =============================================================================

type stubReframer struct {
	result reframe.Result
	calls  int
}

func (s *stubReframer) Reframe(ctx context.Context, rawQuery string) reframe.Result {
	s.calls++
	if s.result.Query == "" {
		return reframe.Result{Query: rawQuery, Reframed: false}
	}
	return s.result
}

type stubEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	return s.vector, s.err
}

type stubRetriever struct {
	chunks []retrieval.Chunk
	err    error
	calls  int
}

func (s *stubRetriever) Retrieve(ctx context.Context, req retrieval.Request) ([]retrieval.Chunk, error) {
	s.calls++
	return s.chunks, s.err
}

type stubEngine struct {
	result consistency.Result
	err    error
	panics bool
	calls  int
}

func (s *stubEngine) Run(ctx context.Context, question string, chunks []retrieval.Chunk) (consistency.Result, error) {
	s.calls++
	if s.panics {
		panic("engine exploded")
	}
	return s.result, s.err
}

type stubSearcher struct {
	results []websearch.Result
	err     error
	calls   int
}

func (s *stubSearcher) Search(ctx context.Context, query string, maxResults int) ([]websearch.Result, error) {
	s.calls++
	return s.results, s.err
}

// =============================================================================
// FIXTURES
// =============================================================================

type fixture struct {
	reframer  *stubReframer
	embedder  *stubEmbedder
	retriever *stubRetriever
	engine    *stubEngine
	searcher  *stubSearcher
}

func newFixture(user uuid.UUID) *fixture {
	return &fixture{
		reframer: &stubReframer{result: reframe.Result{
			Query: "specialist visit copayment cost-sharing amount", Reframed: true}},
		embedder: &stubEmbedder{vector: []float32{0.1, 0.2, 0.3}},
		retriever: &stubRetriever{chunks: []retrieval.Chunk{
			{ChunkID: "c1", UserID: user, Text: "Specialist visits require a $25 copayment.",
				SimilarityScore: 0.9, TokenCount: 10, DocumentTitle: "Gold Plan"},
		}},
		engine: &stubEngine{result: consistency.Result{
			Answer:          "Your copayment for specialist visits is $25.",
			KeyPoints:       []string{"Specialist copayment is $25"},
			Score:           0.95,
			Confidence:      0.85,
			VariantCount:    2,
			TerminatedEarly: true,
		}},
		searcher: &stubSearcher{},
	}
}

func (f *fixture) orchestrator(t *testing.T, mutate func(*config.Config)) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.TotalBudget = config.Duration(2 * time.Second)
	if mutate != nil {
		mutate(cfg)
	}
	gov := governor.New(cfg.Governor)
	return New(f.reframer, f.embedder, f.retriever, f.engine, f.searcher, gov, cfg.Pipeline, cfg.Retrieval)
}

// =============================================================================
// TESTS
// =============================================================================

func TestRetrieveInformation_HappyPath(t *testing.T) {
	user := uuid.New()
	f := newFixture(user)
	o := f.orchestrator(t, nil)

	out := o.RetrieveInformation(context.Background(), Request{
		UserID: user,
		Query:  "how much do I pay to see a specialist?",
	})

	assert.Empty(t, out.ErrorMessage)
	assert.Equal(t, "specialist visit copayment cost-sharing amount", out.ExpertReframe)
	assert.Equal(t, "Your copayment for specialist visits is $25.", out.DirectAnswer)
	assert.Equal(t, []string{"Specialist copayment is $25"}, out.KeyPoints)
	assert.InDelta(t, 0.85, out.ConfidenceScore, 1e-9)
	require.Len(t, out.SourceChunks, 1)
	assert.Equal(t, user, out.SourceChunks[0].UserID)

	assert.False(t, out.Diagnostics.ReframeDegraded)
	assert.Equal(t, 2, out.Diagnostics.VariantCount)
	assert.True(t, out.Diagnostics.TerminatedEarly)
	assert.False(t, out.Diagnostics.WebFallback)
	assert.Equal(t, 0, f.searcher.calls, "no fallback when retrieval has results")
}

func TestRetrieveInformation_ValidationBeforeResources(t *testing.T) {
	f := newFixture(uuid.New())
	o := f.orchestrator(t, nil)

	tests := []struct {
		name string
		req  Request
	}{
		{"nil user", Request{Query: "copay?"}},
		{"empty query", Request{UserID: uuid.New(), Query: "   "}},
		{"oversized query", Request{UserID: uuid.New(), Query: string(make([]byte, maxQueryLength+1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := o.RetrieveInformation(context.Background(), tt.req)
			assert.NotEmpty(t, out.ErrorMessage)
			assert.Zero(t, out.ConfidenceScore)
			assert.NotEmpty(t, out.DirectAnswer, "degraded output still carries an answer")
		})
	}
	assert.Zero(t, f.reframer.calls, "invalid requests must not reach any stage")
	assert.Zero(t, f.embedder.calls)
	assert.Zero(t, f.retriever.calls)
}

func TestRetrieveInformation_AllProvidersDownDegradesInBudget(t *testing.T) {
	user := uuid.New()
	f := newFixture(user)
	f.embedder.err = governor.ErrCircuitOpen
	o := f.orchestrator(t, nil)

	start := time.Now()
	out := o.RetrieveInformation(context.Background(), Request{UserID: user, Query: "copay?"})

	assert.Equal(t, "dependency unavailable", out.ErrorMessage)
	assert.Zero(t, out.ConfidenceScore)
	assert.Equal(t, degradedAnswer, out.DirectAnswer)
	assert.Less(t, time.Since(start), 2*time.Second, "degradation must respect the total budget")
	assert.Equal(t, 0, f.engine.calls, "later stages skipped after fatal failure")
}

func TestRetrieveInformation_GenerationFailureClassified(t *testing.T) {
	user := uuid.New()
	f := newFixture(user)
	f.engine.err = consistency.ErrNoVariants
	o := f.orchestrator(t, nil)

	out := o.RetrieveInformation(context.Background(), Request{UserID: user, Query: "copay?"})

	assert.Equal(t, "generation failed", out.ErrorMessage)
	assert.Zero(t, out.ConfidenceScore)
}

func TestRetrieveInformation_WebFallbackOnZeroChunks(t *testing.T) {
	user := uuid.New()
	f := newFixture(user)
	f.retriever.chunks = nil
	f.searcher.results = []websearch.Result{
		{Title: "Copay basics", URL: "https://example.com/copay", Snippet: "A copay is a fixed fee."},
	}
	o := f.orchestrator(t, func(c *config.Config) { c.Pipeline.EnableWebFallback = true })

	out := o.RetrieveInformation(context.Background(), Request{UserID: user, Query: "copay?"})

	require.Empty(t, out.ErrorMessage)
	assert.True(t, out.Diagnostics.WebFallback)
	assert.Equal(t, 1, f.searcher.calls)
	require.Len(t, out.SourceChunks, 1)
	assert.Equal(t, user, out.SourceChunks[0].UserID)
	assert.Contains(t, out.SourceChunks[0].DocumentTitle, "[web]")
	assert.LessOrEqual(t, out.ConfidenceScore, webConfidenceCeiling,
		"web-grounded answers never carry policy-grade confidence")
}

func TestRetrieveInformation_NoFallbackWhenDisabled(t *testing.T) {
	user := uuid.New()
	f := newFixture(user)
	f.retriever.chunks = nil
	o := f.orchestrator(t, nil)

	out := o.RetrieveInformation(context.Background(), Request{UserID: user, Query: "copay?"})

	assert.Equal(t, 0, f.searcher.calls)
	assert.False(t, out.Diagnostics.WebFallback)
	assert.Empty(t, out.SourceChunks)
}

func TestRetrieveInformation_InvariantViolationDegrades(t *testing.T) {
	user := uuid.New()
	f := newFixture(user)
	f.engine.result.Confidence = 1.7 // a bug upstream, not a caller error
	o := f.orchestrator(t, nil)

	out := o.RetrieveInformation(context.Background(), Request{UserID: user, Query: "copay?"})

	assert.Equal(t, "internal error", out.ErrorMessage)
	assert.Zero(t, out.ConfidenceScore)
	assert.Equal(t, degradedAnswer, out.DirectAnswer)
}

func TestRetrieveInformation_CrossUserChunkRejected(t *testing.T) {
	user := uuid.New()
	f := newFixture(user)
	f.retriever.chunks[0].UserID = uuid.New() // store bug: foreign chunk leaked
	o := f.orchestrator(t, nil)

	out := o.RetrieveInformation(context.Background(), Request{UserID: user, Query: "copay?"})

	assert.Equal(t, "internal error", out.ErrorMessage)
	assert.Empty(t, out.SourceChunks, "leaked chunk must not reach the caller")
}

func TestRetrieveInformation_PanicRecovered(t *testing.T) {
	user := uuid.New()
	f := newFixture(user)
	f.engine.panics = true
	o := f.orchestrator(t, nil)

	out := o.RetrieveInformation(context.Background(), Request{UserID: user, Query: "copay?"})

	assert.Equal(t, "internal error", out.ErrorMessage)
	assert.Zero(t, out.ConfidenceScore)
	assert.NotEmpty(t, out.DirectAnswer)
}

func TestCheckInvariants(t *testing.T) {
	user := uuid.New()

	valid := Output{
		DirectAnswer:    "answer",
		ConfidenceScore: 0.5,
		SourceChunks:    []retrieval.Chunk{{ChunkID: "c1", UserID: user}},
		Diagnostics:     Diagnostics{VariantCount: 2},
	}
	assert.NoError(t, valid.checkInvariants(user))

	errOut := degraded("retrieval failed", Diagnostics{})
	assert.NoError(t, errOut.checkInvariants(user))

	bad := valid
	bad.ConfidenceScore = -0.1
	assert.Error(t, bad.checkInvariants(user))

	bad = valid
	bad.ErrorMessage = "boom"
	assert.Error(t, bad.checkInvariants(user), "error output must carry zero confidence")
}

func TestWithPriorContext(t *testing.T) {
	assert.Equal(t, "copay?", withPriorContext("copay?", nil))

	got := withPriorContext("and for my spouse?", map[string]string{
		"plan":        "Gold Plan",
		"last_answer": "Your specialist copay is $25.",
	})
	assert.Contains(t, got, "Conversation context:")
	assert.Contains(t, got, "- last_answer: Your specialist copay is $25.")
	assert.Contains(t, got, "- plan: Gold Plan")
	assert.True(t, strings.HasSuffix(got, "and for my spouse?"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{governor.ErrCircuitOpen, "dependency unavailable"},
		{governor.ErrBackpressure, "system busy"},
		{governor.ErrResourceExhausted, "system busy"},
		{retrieval.ErrRetrievalFailed, "retrieval failed"},
		{consistency.ErrNoVariants, "generation failed"},
		{context.DeadlineExceeded, "timed out"},
		{errors.New("mystery"), "internal error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err), "classify(%v)", tt.err)
	}
}
