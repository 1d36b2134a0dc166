package debugs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func TestFromStarlarkValueRoundTrip(t *testing.T) {
	cases := []any{
		nil,
		true,
		false,
		int64(42),
		float64(3.5),
		"hello",
		[]byte("abc"),
		[]any{int64(1), "a", true},
		map[string]any{"a": int64(1), "b": "c"},
	}

	for _, c := range cases {
		sv := ToStarlarkValue(c)
		back, err := FromStarlarkValue(sv)
		require.NoError(t, err)
		require.Equal(t, c, back)
	}
}

func TestFromStarlarkValueUnsupported(t *testing.T) {
	_, err := FromStarlarkValue(starlark.NewSet(0))
	require.Error(t, err)
}
