package heuristic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCandidateName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Mary 💋":          "mary",
		"xx Mary":          "mary",
		"mary_22":          "mary",
		"MÁRY🔥":           "mary",
		"JO 12 ab":         "",
		"":                 "",
		"   Zoë-Love4u ":   "zoe",
		"123 Marie-Claire": "marie",
	}
	for in, want := range cases {
		require.Equal(t, want, CandidateName(in), "input %q", in)
	}
}

func TestDictionaryChecker(t *testing.T) {
	t.Parallel()

	d := NewDictionaryChecker([]string{"Mary", " zoë ", ""})
	require.Equal(t, 2, d.Len())

	require.True(t, d.IsSuspicious("MARY xoxo"))
	require.True(t, d.IsSuspicious("Zoe_official"))
	require.False(t, d.IsSuspicious("Maryland Tours"))
	require.False(t, d.IsSuspicious("Bob"))
	require.False(t, d.IsSuspicious("ab"))

	var empty *DictionaryChecker
	require.False(t, empty.IsSuspicious("Mary"))
}
