// Package tokens provides the token estimators behind every stored
// token_est. The default estimator is a deterministic heuristic so chunk
// re-derivation reproduces identical counts across hosts; deployments that
// want exact counts can select the tiktoken backend in config.
package tokens

import (
	"fmt"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator turns text into a token count. Estimates must be deterministic
// for a given Version: the same text always yields the same count.
type Estimator interface {
	Estimate(text string) int
	Version() string
}

// New returns the estimator named by backend: "approx" (default when empty)
// or "tiktoken".
func New(backend string) (Estimator, error) {
	switch backend {
	case "", "approx":
		return Approx{}, nil
	case "tiktoken":
		return newTiktoken()
	}
	return nil, fmt.Errorf("unknown tokenizer backend %q", backend)
}

// Approx is the default estimator. It approximates BPE behaviour without any
// model data: ASCII words cost roughly one token per four characters, runs of
// punctuation cost one token each, and CJK text costs one token per rune.
type Approx struct{}

// Version identifies the estimation rules. Bump when the rules change so
// stored token_est values can be re-derived.
func (Approx) Version() string { return "approx-v1" }

func (Approx) Estimate(text string) int {
	if text == "" {
		return 0
	}

	tokens := 0
	wordLen := 0
	flushWord := func() {
		if wordLen > 0 {
			tokens += 1 + (wordLen-1)/4
			wordLen = 0
		}
	}

	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flushWord()
		case r > 0x2E7F:
			// CJK and other dense scripts tokenize near one token per rune.
			flushWord()
			tokens++
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			wordLen++
		default:
			flushWord()
			tokens++
		}
	}
	flushWord()
	return tokens
}

// EstimateMinOne is Estimate floored at 1, for records where a zero count
// would violate the chunk invariant.
func EstimateMinOne(e Estimator, text string) int {
	n := e.Estimate(text)
	if n < 1 {
		return 1
	}
	return n
}

//nolint:gochecknoglobals // encoding load is expensive; share one per process
var (
	tiktokenOnce sync.Once
	tiktokenEnc  *tiktoken.Tiktoken
	tiktokenErr  error
)

// Tiktoken counts with the cl100k_base encoding. Slower and heavier than
// Approx but exact for the OpenAI model family.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func newTiktoken() (*Tiktoken, error) {
	tiktokenOnce.Do(func() {
		tiktokenEnc, tiktokenErr = tiktoken.GetEncoding("cl100k_base")
	})
	if tiktokenErr != nil {
		return nil, fmt.Errorf("failed to load cl100k_base encoding: %w", tiktokenErr)
	}
	return &Tiktoken{enc: tiktokenEnc}, nil
}

func (t *Tiktoken) Version() string { return "tiktoken-cl100k" }

func (t *Tiktoken) Estimate(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}
