// Package reframe rewrites colloquial user questions into the
// contract/policy register of the retrieval corpus before embedding.
// Embedding the raw query measurably reduces retrieval relevance, but
// reframing is an optimization: every failure falls back to the raw
// query and the pipeline continues.
package reframe

import (
	"context"
	"strings"
	"time"

	"policyrag/internal/llm"
	"policyrag/internal/logging"
)

const systemPrompt = `You rewrite insurance questions into the precise terminology used in policy documents.

Rewrite the user's question using formal insurance policy language (e.g. "copay" becomes "copayment cost-sharing amount", "in network" becomes "participating network provider"). Preserve the question's meaning exactly. Respond with only the rewritten question, nothing else.`

// Result is a reframed query. Reframed is false when the raw query is
// passed through unchanged (provider failure, timeout, or nonsense
// output), which the pipeline reports as a degraded-quality flag.
type Result struct {
	Query    string
	Reframed bool
}

// Reframer performs the single bounded LLM call.
type Reframer struct {
	client  llm.Client
	timeout time.Duration
}

// New creates a Reframer. client should already be permit- and
// breaker-guarded.
func New(client llm.Client, timeout time.Duration) *Reframer {
	return &Reframer{client: client, timeout: timeout}
}

// Reframe rewrites rawQuery into expert terminology. Never fails: on
// any error the raw query is returned with Reframed=false.
func (r *Reframer) Reframe(ctx context.Context, rawQuery string) Result {
	fallback := Result{Query: rawQuery, Reframed: false}

	rawQuery = strings.TrimSpace(rawQuery)
	if rawQuery == "" {
		return fallback
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.client.CompleteWithSystem(callCtx, systemPrompt, rawQuery)
	if err != nil {
		logging.Reframe("falling back to raw query: %v", err)
		return fallback
	}

	reframed := sanitize(out)
	if reframed == "" || len(reframed) > 4*len(rawQuery)+200 {
		logging.Reframe("rejecting implausible reframe (%d chars), using raw query", len(reframed))
		return fallback
	}

	logging.Get(logging.CategoryReframe).Debugf("%q -> %q", rawQuery, reframed)
	return Result{Query: reframed, Reframed: true}
}

// sanitize extracts the single rewritten question from model output.
func sanitize(out string) string {
	out = strings.TrimSpace(out)
	// Keep the first non-empty line; models occasionally append notes.
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, `"'`)
		if line != "" {
			return line
		}
	}
	return ""
}
