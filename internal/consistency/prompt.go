package consistency

import (
	"fmt"
	"strings"

	"policyrag/internal/retrieval"
)

// =============================================================================
// PROMPT CONSTRUCTION
// =============================================================================

const answerSystemPrompt = `You answer insurance policy questions using ONLY the provided policy excerpts.

Rules:
- Base every statement on the excerpts. If the excerpts do not contain the answer, say so.
- Cite amounts, percentages, and conditions exactly as written.
- Be direct and concise.

After your answer, list the essential facts it rests on in this exact format:

KEY POINTS:
- first fact
- second fact`

func buildPrompts(question string, chunks []retrieval.Chunk) (systemPrompt, userPrompt string) {
	var sb strings.Builder
	if len(chunks) > 0 {
		sb.WriteString("Policy excerpts:\n\n")
		for _, c := range chunks {
			title := c.DocumentTitle
			if title == "" {
				title = c.DocumentID
			}
			fmt.Fprintf(&sb, "[%s", title)
			if c.Section != "" {
				fmt.Fprintf(&sb, " / %s", c.Section)
			}
			sb.WriteString("]\n")
			sb.WriteString(strings.TrimSpace(c.Text))
			sb.WriteString("\n\n")
		}
	} else {
		sb.WriteString("No policy excerpts were found for this question.\n\n")
	}
	fmt.Fprintf(&sb, "Question: %s", question)
	return answerSystemPrompt, sb.String()
}

// =============================================================================
// VARIANT PARSING
// =============================================================================

// parseVariant splits model output into answer text and key points.
// Tolerant of formatting drift: the marker match is case-insensitive
// and bullets may be dashes, asterisks, bullets, or numbered.
func parseVariant(raw string) (text string, points []string) {
	raw = strings.TrimSpace(raw)

	idx := findMarker(raw)
	if idx < 0 {
		return raw, nil
	}

	text = strings.TrimSpace(raw[:idx])
	rest := raw[idx:]
	if colon := strings.Index(rest, ":"); colon >= 0 {
		rest = rest[colon+1:]
	}

	for _, line := range strings.Split(rest, "\n") {
		if p := stripBullet(line); p != "" {
			points = append(points, p)
		}
	}
	return text, points
}

func findMarker(raw string) int {
	lower := strings.ToLower(raw)
	for _, marker := range []string{"key points:", "key points", "keypoints:"} {
		if i := strings.LastIndex(lower, marker); i >= 0 {
			return i
		}
	}
	return -1
}

func stripBullet(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "-*•")
	// Numbered bullets: "1." or "2)".
	if len(line) > 1 && line[0] >= '0' && line[0] <= '9' {
		if line[1] == '.' || line[1] == ')' {
			line = line[2:]
		}
	}
	return strings.TrimSpace(line)
}
