package sandbox

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestEvalAndCall(t *testing.T) {
	code := `
def func1(v=0):
    return v + 1
`
	sb := New("test.star", code, testLogger())
	require.NoError(t, sb.Eval(context.Background()))
	require.True(t, sb.HasExport("func1"))

	res, err := sb.Call(context.Background(), "func1", nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), res)

	res, err = sb.Call(context.Background(), "func1", []any{int64(5)}, "")
	require.NoError(t, err)
	require.Equal(t, int64(6), res)
}

func TestCallerID(t *testing.T) {
	code := `
def whoami():
    return System.caller.id
`
	sb := New("test.star", code, testLogger())
	require.NoError(t, sb.Eval(context.Background()))

	res, err := sb.Call(context.Background(), "whoami", nil, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", res)

	res, err = sb.Call(context.Background(), "whoami", nil, "")
	require.NoError(t, err)
	require.Equal(t, "", res)
}

func TestInstallExtraExposesHostAPINamespace(t *testing.T) {
	code := `
def roll():
    return System.test.random()
`
	sb := New("test.star", code, testLogger())
	sb.InstallExtra("test", map[string]any{
		"random": func(ctx context.Context, args map[string]any) (any, error) {
			return int64(42), nil
		},
	})
	require.NoError(t, sb.Eval(context.Background()))

	res, err := sb.Call(context.Background(), "roll", nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(42), res)
}

func TestNonCallableExportsIgnored(t *testing.T) {
	code := `
greeting = "hi"
def func1():
    return greeting
`
	sb := New("test.star", code, testLogger())
	require.NoError(t, sb.Eval(context.Background()))
	require.True(t, sb.HasExport("func1"))
	require.False(t, sb.HasExport("greeting"))
}
