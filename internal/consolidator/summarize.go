package consolidator

import (
	"strings"

	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/tokens"
)

// Extractive summarisation. No model in the loop: the summary is the
// handoff's own words, highest-value fields first, truncated to the target.
// Deterministic, so re-running consolidation is idempotent in content.

// summarizeHandoff builds the summary-tier text from a full handoff.
// Field order reflects what a future session needs most.
func summarizeHandoff(est tokens.Estimator, h *models.Handoff, targetTokens int) string {
	parts := make([]string, 0, 5)
	for _, p := range []string{h.Remember, h.Learned, h.Becoming, h.Noticed, h.Experienced} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, strings.TrimSpace(h.Story))
	}
	return truncateToTokens(est, strings.Join(parts, "\n"), targetTokens)
}

// quickRefFor collapses a summary-tier handoff to its quick reference line.
func quickRefFor(est tokens.Estimator, h *models.Handoff, targetTokens int) string {
	src := h.Summary
	if strings.TrimSpace(src) == "" {
		src = h.Remember
	}
	if strings.TrimSpace(src) == "" {
		src = h.Learned
	}
	return truncateToTokens(est, firstSentence(src), targetTokens)
}

// truncateToTokens keeps whole words until the estimate would pass target.
func truncateToTokens(est tokens.Estimator, text string, target int) string {
	text = strings.TrimSpace(text)
	if target <= 0 || est.Estimate(text) <= target {
		return text
	}

	words := strings.Fields(text)
	var b strings.Builder
	used := 0
	for _, w := range words {
		wt := est.Estimate(w)
		if used+wt > target {
			break
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(w)
		used += wt
	}
	return b.String()
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			return strings.TrimSpace(text[:i+1])
		}
	}
	return text
}

// narrativeTokens estimates the cost of a handoff's full narrative, used to
// report tokens saved by compression.
func narrativeTokens(est tokens.Estimator, h *models.Handoff) int {
	total := 0
	for _, p := range []string{h.Experienced, h.Noticed, h.Learned, h.Story, h.Becoming, h.Remember} {
		total += est.Estimate(p)
	}
	return total
}
