package vm

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestBasicCallLogging(t *testing.T) {
	code := `
def func1(v=0):
    return v + 1
`
	vmi := New(code, testLogger())
	ctx := context.Background()
	require.NoError(t, vmi.Deploy(ctx, DeployOpts{Dir: t.TempDir(), Title: "s1"}))

	res, err := vmi.ExecuteCall(ctx, "func1", nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), res)

	res, err = vmi.ExecuteCall(ctx, "func1", []any{int64(5)}, "")
	require.NoError(t, err)
	require.Equal(t, int64(6), res)

	entries, err := vmi.Log().List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NotNil(t, entries[0].Init)
	require.Equal(t, vmi.FilesArchiveUrl(), entries[0].Init.FilesArchiveUrl)
	require.Equal(t, code, entries[0].Init.Code)

	require.NotNil(t, entries[1].Call)
	require.EqualValues(t, 1, entries[1].Call.Result.FilesVersion)
	require.EqualValues(t, int64(1), entries[1].Call.Result.Res)

	require.NotNil(t, entries[2].Call)
	require.EqualValues(t, 1, entries[2].Call.Result.FilesVersion)
	require.EqualValues(t, int64(6), entries[2].Call.Result.Res)
}

func TestWriteIncrementsVersion(t *testing.T) {
	code := `
def w(v):
    System.files.writeFile('/file', v)
`
	vmi := New(code, testLogger())
	ctx := context.Background()
	require.NoError(t, vmi.Deploy(ctx, DeployOpts{Dir: t.TempDir(), Title: "s2"}))

	for _, v := range []string{"foo", "bar", "baz"} {
		_, err := vmi.ExecuteCall(ctx, "w", []any{v}, "")
		require.NoError(t, err)
	}

	entries, err := vmi.Log().List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.EqualValues(t, 2, entries[1].Call.Result.FilesVersion)
	require.EqualValues(t, 3, entries[2].Call.Result.FilesVersion)
	require.EqualValues(t, 4, entries[3].Call.Result.FilesVersion)

	data, err := vmi.Archive().ReadFile(ctx, "/file")
	require.NoError(t, err)
	require.Equal(t, "baz", string(data))
}

func TestQueueSerializesCallsInArrivalOrder(t *testing.T) {
	code := `
def w(v=0):
    sleep(0.05)
    System.files.writeFile('/file', str(v))
    return v
`
	vmi := New(code, testLogger())
	ctx := context.Background()
	require.NoError(t, vmi.Deploy(ctx, DeployOpts{Dir: t.TempDir(), Title: "s3"}))

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, err := vmi.Enqueue(ctx, "w", []any{int64(v)}, "")
			require.NoError(t, err)
		}(i)
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	data, err := vmi.Archive().ReadFile(ctx, "/file")
	require.NoError(t, err)
	require.Equal(t, "5", string(data))
}

func TestQueueBoundRejectsBeyondCapacity(t *testing.T) {
	code := `
def w():
    sleep(1)
`
	vmi := New(code, testLogger())
	vmi.SetQMax(1)
	ctx := context.Background()
	require.NoError(t, vmi.Deploy(ctx, DeployOpts{Dir: t.TempDir(), Title: "capacity"}))

	go vmi.Enqueue(ctx, "w", nil, "")
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		vmi.Enqueue(ctx, "w", nil, "")
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := vmi.Enqueue(ctx, "w", nil, "")
	require.Error(t, err)

	wg.Wait()
}

func TestIdempotentClose(t *testing.T) {
	code := `
def noop():
    return 1
`
	vmi := New(code, testLogger())
	ctx := context.Background()
	require.NoError(t, vmi.Deploy(ctx, DeployOpts{Dir: t.TempDir(), Title: "close"}))

	require.NoError(t, vmi.Close())
	require.NoError(t, vmi.Close())
	require.Equal(t, StateClosed, vmi.State())

	_, err := vmi.ExecuteCall(ctx, "noop", nil, "")
	require.Error(t, err)
}

func TestCloseWaitsForActiveCall(t *testing.T) {
	code := `
def w():
    sleep(0.1)
    System.files.writeFile('/file', 'done')
    return 1
`
	vmi := New(code, testLogger())
	ctx := context.Background()
	require.NoError(t, vmi.Deploy(ctx, DeployOpts{Dir: t.TempDir(), Title: "close-wait"}))

	callDone := make(chan error, 1)
	go func() {
		_, err := vmi.ExecuteCall(ctx, "w", nil, "")
		callDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, vmi.Close())

	// Close must not return until the active call above has finished
	// writing through the archive/log it then releases.
	require.NoError(t, <-callDone)

	data, err := vmi.Archive().ReadFile(ctx, "/file")
	require.NoError(t, err)
	require.Equal(t, "done", string(data))

	entries, err := vmi.Log().List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestInitExportRunsBeforeReady(t *testing.T) {
	code := `
def init():
    System.files.writeFile('/initialized', 'yes')

def check():
    return System.files.readFile('/initialized')
`
	vmi := New(code, testLogger())
	ctx := context.Background()

	readyFired := false
	vmi.OnReady(func() { readyFired = true })

	require.NoError(t, vmi.Deploy(ctx, DeployOpts{Dir: t.TempDir(), Title: "init"}))
	require.True(t, readyFired)

	res, err := vmi.ExecuteCall(ctx, "check", nil, "")
	require.NoError(t, err)
	require.Equal(t, "yes", res)

	entries, err := vmi.Log().List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NotNil(t, entries[1].Call)
	require.Equal(t, "init", entries[1].Call.Call.MethodName)
}

func TestDeployUrlMismatchIsFatal(t *testing.T) {
	code := `x = 1`
	dir := t.TempDir()

	vmi := New(code, testLogger())
	require.NoError(t, vmi.Deploy(context.Background(), DeployOpts{Dir: dir, Title: "first"}))
	require.NoError(t, vmi.Close())

	other := New(code, testLogger())
	err := other.Deploy(context.Background(), DeployOpts{Dir: dir, Title: "first", Url: "archive://bogus"})
	require.Error(t, err)
}
