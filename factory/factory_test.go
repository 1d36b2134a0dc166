package factory

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/reusee/vms/vm"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestVM(code string) *vm.VM {
	return vm.New(code, testLogger())
}

type fakeMounter struct {
	mu     sync.Mutex
	mounts map[string]*vm.VM
}

func newFakeMounter() *fakeMounter { return &fakeMounter{mounts: map[string]*vm.VM{}} }

func (m *fakeMounter) Mount(path string, v *vm.VM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounts[path] = v
	return nil
}

func (m *fakeMounter) Unmount(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mounts, path)
	return nil
}

func (m *fakeMounter) get(path string) *vm.VM {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounts[path]
}

const factoryCode = `
def provisionVM(args):
    return System.vms.provisionVM(args)

def shutdownVM(id):
    System.vms.shutdownVM(id)
`

func TestFactoryProvisionAndShutdown(t *testing.T) {
	ctx := context.Background()
	mounter := newFakeMounter()
	f := New(factoryCode, newTestVM, testLogger(), mounter, Options{})
	require.NoError(t, f.Deploy(ctx, vm.DeployOpts{Dir: t.TempDir(), Title: "factory"}))

	res, err := f.VM().ExecuteCall(ctx, "provisionVM", []any{map[string]any{
		"code":  "def hello():\n    return 'world'\n",
		"title": "child",
	}}, "")
	require.NoError(t, err)
	out, ok := res.(map[string]any)
	require.True(t, ok)
	childID, _ := out["id"].(string)
	require.NotEmpty(t, childID)

	child := mounter.get("/" + childID)
	require.NotNil(t, child)

	greeted, err := child.ExecuteCall(ctx, "hello", nil, "")
	require.NoError(t, err)
	require.Equal(t, "world", greeted)

	_, err = f.VM().ExecuteCall(ctx, "shutdownVM", []any{childID}, "")
	require.NoError(t, err)
	require.Nil(t, mounter.get("/"+childID))
}

func TestReprovisionSavedVMsRestoresChildren(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mounter := newFakeMounter()

	f := New(factoryCode, newTestVM, testLogger(), mounter, Options{})
	require.NoError(t, f.Deploy(ctx, vm.DeployOpts{Dir: dir, Title: "factory"}))

	_, err := f.VM().ExecuteCall(ctx, "provisionVM", []any{map[string]any{
		"code":  "def hello():\n    return 'world'\n",
		"title": "child",
	}}, "")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// A fresh Factory over the same directory simulates a daemon restart:
	// the registry it reprovisions from must come back out of the
	// factory's own archive, not an os-level side channel that restarted
	// with nothing in it.
	mounter2 := newFakeMounter()
	f2 := New(factoryCode, newTestVM, testLogger(), mounter2, Options{})
	require.NoError(t, f2.Deploy(ctx, vm.DeployOpts{Dir: dir, Title: "factory"}))
	require.NoError(t, f2.ReprovisionSavedVMs(ctx))

	mounter2.mu.Lock()
	require.Len(t, mounter2.mounts, 1)
	var child *vm.VM
	for _, c := range mounter2.mounts {
		child = c
	}
	mounter2.mu.Unlock()
	require.NotNil(t, child)

	greeted, err := child.ExecuteCall(ctx, "hello", nil, "")
	require.NoError(t, err)
	require.Equal(t, "world", greeted)
}

func TestFactoryRespectsMaxVMs(t *testing.T) {
	ctx := context.Background()
	mounter := newFakeMounter()
	f := New(factoryCode, newTestVM, testLogger(), mounter, Options{MaxVMs: 1})
	require.NoError(t, f.Deploy(ctx, vm.DeployOpts{Dir: t.TempDir(), Title: "factory"}))

	_, err := f.VM().ExecuteCall(ctx, "provisionVM", []any{map[string]any{
		"code": "def x():\n    return 1\n",
	}}, "")
	require.NoError(t, err)

	res, err := f.VM().ExecuteCall(ctx, "provisionVM", []any{map[string]any{
		"code": "def x():\n    return 1\n",
	}}, "")
	require.Error(t, err)
	require.Nil(t, res)
}
