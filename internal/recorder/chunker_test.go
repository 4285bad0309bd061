package recorder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/mnemo/internal/tokens"
)

func TestSplitTextShortPassesThrough(t *testing.T) {
	est := tokens.Approx{}

	assert.Nil(t, SplitText("", est, 80, 800))
	assert.Nil(t, SplitText("   \n\n  ", est, 80, 800))

	pieces := SplitText("one short note", est, 80, 800)
	require.Len(t, pieces, 1)
	assert.Equal(t, "one short note", pieces[0])
}

func TestSplitTextRespectsMax(t *testing.T) {
	est := tokens.Approx{}
	paras := make([]string, 60)
	for i := range paras {
		paras[i] = strings.Repeat("retrieval scoring stays deterministic under replay ", 4)
	}
	text := strings.Join(paras, "\n\n")

	pieces := SplitText(text, est, 80, 200)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.LessOrEqual(t, est.Estimate(p), 200)
	}

	// Nothing is lost: every paragraph's words survive in order.
	joined := strings.Join(pieces, "\n\n")
	assert.Equal(t, strings.Fields(text), strings.Fields(joined))
}

func TestSplitTextDeterministic(t *testing.T) {
	est := tokens.Approx{}
	text := strings.Repeat("the consolidation job compresses old handoffs into summaries\n\n", 80)

	first := SplitText(text, est, 80, 300)
	second := SplitText(text, est, 80, 300)
	assert.Equal(t, first, second)
}

func TestSplitTextHandlesGiantParagraph(t *testing.T) {
	est := tokens.Approx{}
	// One paragraph, no newlines, far over the cap: falls through to
	// line then word splitting.
	text := strings.Repeat("word ", 2000)

	pieces := SplitText(text, est, 80, 150)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.LessOrEqual(t, est.Estimate(p), 150)
	}
}

func TestSplitTextMergesShortTail(t *testing.T) {
	est := tokens.Approx{}
	big := strings.Repeat("steady sentence flow without surprises here ", 20)
	text := big + "\n\n" + big + "\n\ntiny tail"

	pieces := SplitText(text, est, 80, 200)
	require.NotEmpty(t, pieces)
	last := pieces[len(pieces)-1]
	if len(pieces) > 1 {
		assert.GreaterOrEqual(t, est.Estimate(last), 9, "tail should have merged into its predecessor")
	}
	assert.Contains(t, last, "tiny tail")
}
