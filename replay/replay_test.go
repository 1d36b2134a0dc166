package replay

import (
	"context"
	"log/slog"
	"testing"

	"github.com/reusee/vms/calllog"
	"github.com/reusee/vms/vm"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// emptyLog is a minimal AppendOnlyLog stand-in with no init entry, used
// to exercise the malformed-log rejection path without touching disk.
type emptyLog struct{}

func (emptyLog) URL() string                                                       { return "calllog://empty" }
func (emptyLog) Length() int                                                       { return 0 }
func (emptyLog) AppendInit(ctx context.Context, code, filesArchiveUrl string) error { return nil }
func (emptyLog) AppendCall(ctx context.Context, call calllog.CallInvocation, result calllog.CallResult) error {
	return nil
}
func (emptyLog) Get(ctx context.Context, seq uint64, opts calllog.GetOpts) (calllog.Entry, error) {
	return calllog.Entry{}, nil
}
func (emptyLog) List(ctx context.Context, start, end int) ([]calllog.Entry, error) { return nil, nil }
func (emptyLog) Close() error                                                      { return nil }

func TestReplayReproducesDeterministicWrites(t *testing.T) {
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

	rebuilt, err := FromCallLog(ctx, original.Log(), Assertions{FilesArchiveUrl: original.FilesArchiveUrl()}, t.TempDir(), testLogger())
	require.NoError(t, err)

	data, err := rebuilt.Archive().ReadFile(ctx, "/file")
	require.NoError(t, err)
	require.Equal(t, "baz", string(data))

	originalEntries, err := original.Log().List(ctx, 0, 0)
	require.NoError(t, err)
	rebuiltEntries, err := rebuilt.Log().List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, rebuiltEntries, len(originalEntries))
	for i := 1; i < len(originalEntries); i++ {
		require.Equal(t, originalEntries[i].Call.Call.MethodName, rebuiltEntries[i].Call.Call.MethodName)
		require.Equal(t, originalEntries[i].Call.Result.FilesVersion, rebuiltEntries[i].Call.Result.FilesVersion)
	}
}

func TestReplayAssertionMismatch(t *testing.T) {
	code := `x = 1`
	ctx := context.Background()
	original := vm.New(code, testLogger())
	require.NoError(t, original.Deploy(ctx, vm.DeployOpts{Dir: t.TempDir(), Title: "s5"}))

	_, err := FromCallLog(ctx, original.Log(), Assertions{FilesArchiveUrl: "bogus"}, t.TempDir(), testLogger())
	require.Error(t, err)
}

func TestReplayRejectsMalformedLogMissingInit(t *testing.T) {
	_, err := FromCallLog(context.Background(), &emptyLog{}, Assertions{}, t.TempDir(), testLogger())
	require.Error(t, err)
}
