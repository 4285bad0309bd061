package recorder

import (
	"strings"

	"github.com/dotcommander/mnemo/internal/tokens"
)

// SplitText breaks text into retrieval-sized pieces of roughly minTokens to
// maxTokens each. Splitting prefers paragraph boundaries, then lines, then
// words, so pieces stay readable. The function is deterministic: re-deriving
// chunks from a stored event reproduces identical pieces.
func SplitText(text string, est tokens.Estimator, minTokens, maxTokens int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if est.Estimate(text) <= maxTokens {
		return []string{text}
	}

	pieces := packParts(splitParagraphs(text), "\n\n", est, maxTokens)

	// A short trailing remainder joins its predecessor when the pair still
	// fits, keeping pieces near the target band.
	if n := len(pieces); n > 1 && est.Estimate(pieces[n-1]) < minTokens {
		merged := pieces[n-2] + "\n\n" + pieces[n-1]
		if est.Estimate(merged) <= maxTokens {
			pieces = append(pieces[:n-2], merged)
		}
	}
	return pieces
}

// packParts greedily accumulates parts until adding the next one would push
// the piece over maxTokens. Parts that alone exceed the cap recurse to a
// finer separator.
func packParts(parts []string, sep string, est tokens.Estimator, maxTokens int) []string {
	var out []string
	var cur strings.Builder
	curTokens := 0

	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curTokens = 0
		}
	}

	for _, part := range parts {
		pt := est.Estimate(part)
		if pt > maxTokens {
			flush()
			out = append(out, splitOversized(part, sep, est, maxTokens)...)
			continue
		}
		if curTokens > 0 && curTokens+pt > maxTokens {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(part)
		curTokens += pt
	}
	flush()
	return out
}

func splitOversized(part, sep string, est tokens.Estimator, maxTokens int) []string {
	switch sep {
	case "\n\n":
		return packParts(strings.Split(part, "\n"), "\n", est, maxTokens)
	case "\n":
		return packParts(strings.Fields(part), " ", est, maxTokens)
	}
	// Word-level packing never produces an oversized single part unless one
	// word alone exceeds the cap; emit it whole rather than corrupt it.
	return []string{part}
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
