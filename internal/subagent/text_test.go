package subagent

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 13, EstimateTokens(strings.Repeat("w ", 10)))
}

func TestTruncateToTokens(t *testing.T) {
	text := strings.Repeat("word ", 100)
	out := TruncateToTokens(text, 40)
	require.True(t, strings.HasSuffix(out, "..."))
	require.Len(t, strings.Fields(strings.TrimSuffix(out, "...")), 30)

	require.Equal(t, "short text", TruncateToTokens("short text", 40))
}

func TestTruncateToChars(t *testing.T) {
	text := strings.Repeat("abcd ", 400)
	out := TruncateToChars(text, 1500)
	require.LessOrEqual(t, utf8.RuneCountInString(out), 1500)
	require.True(t, strings.HasSuffix(out, "..."))
	require.False(t, strings.HasSuffix(strings.TrimSuffix(out, "..."), "abc"), "cut falls on a word boundary")

	unbroken := strings.Repeat("é", 2000)
	out = TruncateToChars(unbroken, 1500)
	require.Equal(t, 1500, utf8.RuneCountInString(out))
	require.True(t, utf8.ValidString(out))

	require.Equal(t, "fits", TruncateToChars("fits", 1500))
}
