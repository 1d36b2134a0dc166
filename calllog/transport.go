package calllog

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/reusee/vms/vmerr"
)

// LogTransport is the distribution-layer seam spec §9 reserves for
// fetch(url, dir?): the core never assumes how a remote log is located or
// transferred, only that Fetch returns a usable AppendOnlyLog.
type LogTransport interface {
	Fetch(ctx context.Context, url string, dir string) (AppendOnlyLog, error)
}

// LocalTransport resolves call-log URLs against a process-local registry
// of directories, standing in for the P2P replication layer spec §1
// assumes but places out of scope. Every Create/Open call log should
// register itself so peers in the same process can fetch it.
type LocalTransport struct {
	mu       sync.Mutex
	registry map[string]string // url -> source dir
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{registry: map[string]string{}}
}

func (t *LocalTransport) Register(url, dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registry[url] = dir
}

func (t *LocalTransport) Fetch(ctx context.Context, url string, dir string) (AppendOnlyLog, error) {
	t.mu.Lock()
	srcDir, ok := t.registry[url]
	t.mu.Unlock()
	if !ok {
		return nil, vmerr.New(vmerr.KindStoreError, fmt.Sprintf("no known source for call log %s", url))
	}

	src, err := Open(srcDir)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if dir == "" {
		entries, err := src.List(ctx, 0, 0)
		if err != nil {
			return nil, err
		}
		return NewMemoryLogFromEntries(src.URL(), entries), nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, vmerr.Wrap(vmerr.KindStoreError, "create fetch destination", err)
	}
	if err := copyFile(logPath(srcDir), logPath(dir)); err != nil {
		return nil, vmerr.Wrap(vmerr.KindStoreError, "copy call log", err)
	}
	return Open(dir)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
