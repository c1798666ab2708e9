// Package pipeline wires the fixed answering sequence: reframe the
// question, embed it, retrieve policy chunks, generate a
// self-consistent answer, assemble the output. Every failure mode
// collapses to a well-formed degraded Output; the orchestrator never
// panics outward and never exceeds its total time budget.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"policyrag/internal/config"
	"policyrag/internal/consistency"
	"policyrag/internal/governor"
	"policyrag/internal/logging"
	"policyrag/internal/reframe"
	"policyrag/internal/retrieval"
	"policyrag/internal/websearch"
)

// ErrValidationFailed marks requests rejected before any resource is
// touched.
var ErrValidationFailed = errors.New("request validation failed")

const maxQueryLength = 4000

// Request is one user question.
type Request struct {
	UserID       uuid.UUID
	Query        string
	PriorContext map[string]string
}

// Validate rejects malformed requests up front.
func (r Request) Validate() error {
	if r.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", ErrValidationFailed)
	}
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("%w: query is empty", ErrValidationFailed)
	}
	if len(r.Query) > maxQueryLength {
		return fmt.Errorf("%w: query exceeds %d characters", ErrValidationFailed, maxQueryLength)
	}
	return nil
}

// =============================================================================
// STAGE DEPENDENCIES
// =============================================================================

// QueryReframer rewrites a question into corpus register.
type QueryReframer interface {
	Reframe(ctx context.Context, rawQuery string) reframe.Result
}

// Embedder turns text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkRetriever returns ranked chunks for an embedded query.
type ChunkRetriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) ([]retrieval.Chunk, error)
}

// AnswerEngine produces the self-consistent answer.
type AnswerEngine interface {
	Run(ctx context.Context, question string, chunks []retrieval.Chunk) (consistency.Result, error)
}

// WebSearcher is the optional zero-result fallback.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]websearch.Result, error)
}

// Orchestrator runs the pipeline.
type Orchestrator struct {
	reframer  QueryReframer
	embedder  Embedder
	retriever ChunkRetriever
	engine    AnswerEngine
	searcher  WebSearcher // nil when web fallback is disabled
	gov       *governor.Governor

	pipelineCfg  config.PipelineConfig
	retrievalCfg config.RetrievalConfig
}

// New wires an Orchestrator. searcher may be nil; it is only consulted
// when EnableWebFallback is set and retrieval comes back empty.
func New(reframer QueryReframer, embedder Embedder, retriever ChunkRetriever, engine AnswerEngine,
	searcher WebSearcher, gov *governor.Governor, pipelineCfg config.PipelineConfig, retrievalCfg config.RetrievalConfig) *Orchestrator {
	return &Orchestrator{
		reframer:     reframer,
		embedder:     embedder,
		retriever:    retriever,
		engine:       engine,
		searcher:     searcher,
		gov:          gov,
		pipelineCfg:  pipelineCfg,
		retrievalCfg: retrievalCfg,
	}
}

// webConfidenceCeiling caps answers grounded on scraped web snippets
// instead of the user's own policy documents.
const webConfidenceCeiling = 0.3

// RetrieveInformation answers one question. The returned Output is
// always well-formed: fatal failures carry ErrorMessage, zero
// confidence, and a generic answer instead of partial fields.
func (o *Orchestrator) RetrieveInformation(ctx context.Context, req Request) (out Output) {
	started := time.Now()
	var diag Diagnostics

	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryPipeline).Errorf("recovered from panic: %v", r)
			diag.Elapsed = time.Since(started)
			out = degraded("internal error", diag)
		}
	}()

	if err := req.Validate(); err != nil {
		diag.Elapsed = time.Since(started)
		return degraded(err.Error(), diag)
	}

	ctx, cancel := context.WithTimeout(ctx, o.pipelineCfg.TotalBudget.Std())
	defer cancel()

	// Stage 1: reframe. Never fatal; a failed reframe degrades quality,
	// not availability.
	ref := o.reframer.Reframe(ctx, req.Query)
	diag.ReframeDegraded = !ref.Reframed

	// Stage 2: embed.
	embedding, err := o.runEmbed(ctx, ref.Query)
	if err != nil {
		logging.Pipeline("embed stage failed: %v", err)
		diag.Elapsed = time.Since(started)
		return degraded(classify(err), diag)
	}

	// Stage 3: retrieve.
	chunks, err := o.runRetrieve(ctx, req.UserID, ref.Query, embedding)
	if err != nil {
		logging.Pipeline("retrieve stage failed: %v", err)
		diag.Elapsed = time.Since(started)
		return degraded(classify(err), diag)
	}

	// Zero-result fallback: scraped web snippets, clearly marked and
	// confidence-capped. Fallback failure leaves chunks empty; the
	// engine then answers "not in your documents" honestly.
	if len(chunks) == 0 && o.pipelineCfg.EnableWebFallback && o.searcher != nil {
		if webChunks := o.runWebFallback(ctx, req.UserID, ref.Query); len(webChunks) > 0 {
			chunks = webChunks
			diag.WebFallback = true
		}
	}

	// Stage 4: generate and score variants.
	result, err := o.runGenerate(ctx, withPriorContext(ref.Query, req.PriorContext), chunks)
	if err != nil {
		logging.Pipeline("generate stage failed: %v", err)
		diag.Elapsed = time.Since(started)
		return degraded(classify(err), diag)
	}

	diag.VariantCount = result.VariantCount
	diag.ConsistencyScore = result.Score
	diag.TerminatedEarly = result.TerminatedEarly
	diag.Elapsed = time.Since(started)

	confidence := result.Confidence
	if diag.WebFallback && confidence > webConfidenceCeiling {
		confidence = webConfidenceCeiling
	}

	out = Output{
		ExpertReframe:   ref.Query,
		DirectAnswer:    result.Answer,
		KeyPoints:       result.KeyPoints,
		ConfidenceScore: confidence,
		SourceChunks:    chunks,
		Diagnostics:     diag,
	}

	if err := out.checkInvariants(req.UserID); err != nil {
		logging.Get(logging.CategoryPipeline).Errorf("output invariant violated: %v", err)
		return degraded("internal error", diag)
	}

	logging.Pipeline("user=%s answered in %s: confidence=%.3f variants=%d sources=%d",
		req.UserID, diag.Elapsed.Round(time.Millisecond), confidence, result.VariantCount, len(chunks))
	return out
}

// =============================================================================
// STAGES
// =============================================================================

func (o *Orchestrator) runEmbed(ctx context.Context, query string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, o.pipelineCfg.EmbedTimeout.Std())
	defer cancel()
	return o.embedder.Embed(ctx, query)
}

func (o *Orchestrator) runRetrieve(ctx context.Context, userID uuid.UUID, query string, embedding []float32) ([]retrieval.Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, o.pipelineCfg.RetrieveTimeout.Std())
	defer cancel()
	return o.retriever.Retrieve(ctx, retrieval.Request{
		UserID:              userID,
		ReframedQuery:       query,
		Embedding:           embedding,
		SimilarityThreshold: o.retrievalCfg.SimilarityThreshold,
		MaxChunks:           o.retrievalCfg.MaxChunks,
		TokenBudget:         o.retrievalCfg.TokenBudget,
	})
}

func (o *Orchestrator) runWebFallback(ctx context.Context, userID uuid.UUID, query string) []retrieval.Chunk {
	results, err := o.searcher.Search(ctx, query, 5)
	if err != nil {
		logging.Pipeline("web fallback failed: %v", err)
		return nil
	}

	chunks := make([]retrieval.Chunk, 0, len(results))
	for i, r := range results {
		text := r.Snippet
		if text == "" {
			continue
		}
		chunks = append(chunks, retrieval.Chunk{
			ChunkID:       fmt.Sprintf("web-%d", i),
			DocumentID:    r.URL,
			UserID:        userID,
			Text:          text,
			TokenCount:    len(text) / 4,
			DocumentTitle: "[web] " + r.Title,
		})
	}
	return chunks
}

// withPriorContext prepends earlier-turn facts from the caller so the
// engine can resolve follow-up questions ("and for my spouse?").
func withPriorContext(question string, prior map[string]string) string {
	if len(prior) == 0 {
		return question
	}
	keys := make([]string, 0, len(prior))
	for k := range prior {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("Conversation context:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %s\n", k, prior[k])
	}
	sb.WriteString("\n")
	sb.WriteString(question)
	return sb.String()
}

func (o *Orchestrator) runGenerate(ctx context.Context, question string, chunks []retrieval.Chunk) (consistency.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.pipelineCfg.GenerateTimeout.Std())
	defer cancel()
	return o.engine.Run(ctx, question, chunks)
}

// classify maps stage errors to stable caller-facing failure kinds.
func classify(err error) string {
	switch {
	case errors.Is(err, governor.ErrCircuitOpen):
		return "dependency unavailable"
	case errors.Is(err, governor.ErrBackpressure):
		return "system busy"
	case errors.Is(err, governor.ErrResourceExhausted):
		return "system busy"
	case errors.Is(err, retrieval.ErrRetrievalFailed):
		return "retrieval failed"
	case errors.Is(err, consistency.ErrNoVariants):
		return "generation failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal error"
	}
}

// Health reports readiness for the surrounding service.
func (o *Orchestrator) Health() governor.Health {
	return o.gov.Health()
}
