package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApproxDeterministic(t *testing.T) {
	e := Approx{}
	text := "The quick brown fox jumps over the lazy dog. Again, the fox!"
	first := e.Estimate(text)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, e.Estimate(text))
	}
}

func TestApproxEstimates(t *testing.T) {
	e := Approx{}

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single short word", "hi", 1},
		{"four char word", "word", 1},
		{"five char word", "words", 2},
		{"two words", "hello world", 4},
		{"punctuation counts", "a, b", 3},
		{"whitespace only", "   \n\t ", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, e.Estimate(tt.text))
		})
	}
}

func TestApproxScalesWithLength(t *testing.T) {
	e := Approx{}
	short := e.Estimate(strings.Repeat("budget review ", 10))
	long := e.Estimate(strings.Repeat("budget review ", 100))
	require.Greater(t, long, short*5, "token estimate should grow roughly linearly")
}

func TestEstimateMinOne(t *testing.T) {
	require.Equal(t, 1, EstimateMinOne(Approx{}, ""))
	require.Equal(t, 1, EstimateMinOne(Approx{}, " "))
	require.Equal(t, 4, EstimateMinOne(Approx{}, "hello world"))
}

func TestNewBackendSelection(t *testing.T) {
	e, err := New("")
	require.NoError(t, err)
	require.Equal(t, "approx-v1", e.Version())

	e, err = New("approx")
	require.NoError(t, err)
	require.Equal(t, "approx-v1", e.Version())

	_, err = New("nope")
	require.Error(t, err)
}
