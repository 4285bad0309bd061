package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFuseRRF(t *testing.T) {
	fused := FuseRRF(60,
		[]string{"a", "b", "c"},
		[]string{"b", "a"},
	)

	// b: 1/62 + 1/61, a: 1/61 + 1/62 -> equal; c appears once.
	assert.InDelta(t, fused["a"], fused["b"], 1e-12)
	assert.Greater(t, fused["a"], fused["c"])
	assert.NotContains(t, fused, "d")
}

func TestFuseRRFTopOfBothListsWins(t *testing.T) {
	fused := FuseRRF(60,
		[]string{"x", "y", "z"},
		[]string{"x", "z", "y"},
	)
	assert.Greater(t, fused["x"], fused["y"])
	assert.Greater(t, fused["x"], fused["z"])
}

func TestFuseRRFDefaultsK(t *testing.T) {
	a := FuseRRF(0, []string{"a"})
	b := FuseRRF(60, []string{"a"})
	assert.Equal(t, b["a"], a["a"])
}
