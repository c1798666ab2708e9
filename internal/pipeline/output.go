package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"policyrag/internal/retrieval"
)

// =============================================================================
// OUTPUT ASSEMBLY
// =============================================================================

// Diagnostics carries per-request quality signals for the caller.
type Diagnostics struct {
	ReframeDegraded  bool          `json:"reframe_degraded"`
	VariantCount     int           `json:"variant_count"`
	ConsistencyScore float64       `json:"consistency_score"`
	TerminatedEarly  bool          `json:"terminated_early"`
	WebFallback      bool          `json:"web_fallback"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Output is the complete result of one pipeline run. It is always
// well-formed: a failed run carries ErrorMessage and zero confidence
// instead of partial fields.
type Output struct {
	ExpertReframe   string            `json:"expert_reframe"`
	DirectAnswer    string            `json:"direct_answer"`
	KeyPoints       []string          `json:"key_points"`
	ConfidenceScore float64           `json:"confidence_score"`
	SourceChunks    []retrieval.Chunk `json:"source_chunks"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Diagnostics     Diagnostics       `json:"diagnostics"`
}

const degradedAnswer = "I was unable to retrieve an answer from your policy documents. Please try again."

// degraded builds the well-formed failure output for a request.
func degraded(errorMessage string, diag Diagnostics) Output {
	return Output{
		DirectAnswer:    degradedAnswer,
		ConfidenceScore: 0,
		ErrorMessage:    errorMessage,
		Diagnostics:     diag,
	}
}

// checkInvariants verifies the contract every successful output must
// satisfy. A violation is a bug in the pipeline, not a caller error;
// the orchestrator converts it to the degraded path.
func (o Output) checkInvariants(requester uuid.UUID) error {
	if o.ConfidenceScore < 0 || o.ConfidenceScore > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", o.ConfidenceScore)
	}
	if o.ErrorMessage == "" {
		if o.DirectAnswer == "" {
			return fmt.Errorf("successful output with empty answer")
		}
		if o.ConfidenceScore == 0 && o.Diagnostics.VariantCount > 0 {
			return fmt.Errorf("zero confidence on a successful run with %d variants", o.Diagnostics.VariantCount)
		}
	} else if o.ConfidenceScore != 0 {
		return fmt.Errorf("error output with nonzero confidence %v", o.ConfidenceScore)
	}
	for _, c := range o.SourceChunks {
		if c.UserID != requester {
			return fmt.Errorf("source chunk %s belongs to %s, requester is %s", c.ChunkID, c.UserID, requester)
		}
	}
	return nil
}
