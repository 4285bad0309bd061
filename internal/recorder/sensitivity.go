package recorder

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dotcommander/mnemo/internal/models"
)

// Classifier decides the minimum sensitivity stored content must carry and
// performs redaction when policy demands it. Patterns come from config and
// are compiled once at daemon startup.
type Classifier struct {
	patterns []*regexp.Regexp
}

// Keyword heuristics that raise sensitivity to high without matching a full
// secret pattern. Lowercase; matched as substrings of the lowered text.
var highKeywords = []string{
	"password",
	"passphrase",
	"credential",
	"api key",
	"access key",
	"private key",
}

// NewClassifier compiles the configured redact patterns.
func NewClassifier(patterns []string) (*Classifier, error) {
	c := &Classifier{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redact pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// Classify returns the minimum sensitivity text must carry: secret when a
// redact pattern matches, high when a credential keyword appears, none
// otherwise. Callers combine this with the declared sensitivity via
// models.MaxSensitivity.
func (c *Classifier) Classify(text string) models.Sensitivity {
	for _, re := range c.patterns {
		if re.MatchString(text) {
			return models.SensitivitySecret
		}
	}
	lower := strings.ToLower(text)
	for _, kw := range highKeywords {
		if strings.Contains(lower, kw) {
			return models.SensitivityHigh
		}
	}
	return models.SensitivityNone
}

const redactedMarker = "[REDACTED]"

// Redact replaces every pattern match with a fixed marker, reporting whether
// anything was removed. The marker keeps surrounding context readable so the
// rest of the event stays useful for retrieval.
func (c *Classifier) Redact(text string) (string, bool) {
	changed := false
	for _, re := range c.patterns {
		if re.MatchString(text) {
			text = re.ReplaceAllString(text, redactedMarker)
			changed = true
		}
	}
	return text, changed
}
