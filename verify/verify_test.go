package verify

import (
	"context"
	"log/slog"
	"testing"

	"github.com/reusee/vms/archive"
	"github.com/reusee/vms/replay"
	"github.com/reusee/vms/vm"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestCompareLogsAndArchivesAgreeForDeterministicReplay(t *testing.T) {
	code := `
def w(v):
    System.files.writeFile('/file', v)
`
	ctx := context.Background()
	original := vm.New(code, testLogger())
	require.NoError(t, original.Deploy(ctx, vm.DeployOpts{Dir: t.TempDir(), Title: "s2"}))
	for _, v := range []string{"foo", "bar", "baz"} {
		_, err := original.ExecuteCall(ctx, "w", []any{v}, "")
		require.NoError(t, err)
	}

	rebuilt, err := replay.FromCallLog(ctx, original.Log(), replay.Assertions{FilesArchiveUrl: original.FilesArchiveUrl()}, t.TempDir(), testLogger())
	require.NoError(t, err)

	require.NoError(t, CompareLogs(ctx, original.Log(), rebuilt.Log()))
	require.NoError(t, CompareArchives(ctx, original.Archive(), rebuilt.Archive()))
}

func TestCompareLogsDetectsNondeterminism(t *testing.T) {
	code := `
def echo(v):
    return v
`
	ctx := context.Background()

	a := vm.New(code, testLogger())
	require.NoError(t, a.Deploy(ctx, vm.DeployOpts{Dir: t.TempDir(), Title: "a"}))
	_, err := a.ExecuteCall(ctx, "echo", []any{"value-a"}, "")
	require.NoError(t, err)

	b := vm.New(code, testLogger())
	require.NoError(t, b.Deploy(ctx, vm.DeployOpts{Dir: t.TempDir(), Title: "b"}))
	_, err = b.ExecuteCall(ctx, "echo", []any{"value-b"}, "")
	require.NoError(t, err)

	err = CompareLogs(ctx, a.Log(), b.Log())
	require.Error(t, err)
}

// TestCompareLogsDetectsInjectedNondeterminism is scenario S4: a guest
// method that calls a host-installed System.test.random() three times.
// Two independently "random" runs of the identical script produce
// diverging call entries, which CompareLogs must flag — this is what
// distinguishes detecting nondeterminism from preventing it, per spec
// §1's non-goals.
func TestCompareLogsDetectsInjectedNondeterminism(t *testing.T) {
	code := `
def roll():
    a = System.test.random()
    b = System.test.random()
    c = System.test.random()
    return [a, b, c]
`
	ctx := context.Background()

	rollsA := []int64{1, 2, 3}
	a := vm.New(code, testLogger())
	a.InstallExtra("test", map[string]any{
		"random": counterFrom(rollsA),
	})
	require.NoError(t, a.Deploy(ctx, vm.DeployOpts{Dir: t.TempDir(), Title: "a"}))
	_, err := a.ExecuteCall(ctx, "roll", nil, "")
	require.NoError(t, err)

	rollsB := []int64{9, 8, 7}
	b := vm.New(code, testLogger())
	b.InstallExtra("test", map[string]any{
		"random": counterFrom(rollsB),
	})
	require.NoError(t, b.Deploy(ctx, vm.DeployOpts{Dir: t.TempDir(), Title: "b"}))
	_, err = b.ExecuteCall(ctx, "roll", nil, "")
	require.NoError(t, err)

	err = CompareLogs(ctx, a.Log(), b.Log())
	require.Error(t, err)
}

// counterFrom builds a System.test.random()-shaped host function that
// returns the next value from a fixed sequence on each call, standing in
// for a source of nondeterminism without relying on real randomness in
// the test itself.
func counterFrom(values []int64) func(context.Context, map[string]any) (any, error) {
	i := 0
	return func(ctx context.Context, args map[string]any) (any, error) {
		v := values[i%len(values)]
		i++
		return v, nil
	}
}

func TestCompareArchivesDetectsByteDivergence(t *testing.T) {
	ctx := context.Background()
	dirA := t.TempDir()
	dirB := t.TempDir()

	a, err := archive.Create(dirA, "a")
	require.NoError(t, err)
	require.NoError(t, a.WriteFile(ctx, "/f", []byte("one")))

	b, err := archive.Create(dirB, "b")
	require.NoError(t, err)
	require.NoError(t, b.WriteFile(ctx, "/f", []byte("two")))

	err = CompareArchives(ctx, a, b)
	require.Error(t, err)
}
