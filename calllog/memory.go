package calllog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reusee/vms/vmerr"
)

// MemoryLog is an in-process AppendOnlyLog, used as the target of
// fetch(url) calls that omit a directory (spec
// §4.2's "memory-backed storage" fallback).
type MemoryLog struct {
	url string

	mu      sync.Mutex
	cond    *sync.Cond
	entries []Entry
}

var _ AppendOnlyLog = (*MemoryLog)(nil)

func NewMemoryLog(code, filesArchiveUrl string) (*MemoryLog, error) {
	l := &MemoryLog{url: urlFor("calllog", []byte(code+":"+filesArchiveUrl+":"+uuid.NewString()))}
	l.cond = sync.NewCond(&l.mu)
	if err := l.AppendInit(context.Background(), code, filesArchiveUrl); err != nil {
		return nil, err
	}
	return l, nil
}

// NewMemoryLogFromEntries seeds a MemoryLog with an existing entry
// sequence, used by LocalTransport when serving a dirless fetch.
func NewMemoryLogFromEntries(url string, entries []Entry) *MemoryLog {
	l := &MemoryLog{url: url, entries: entries}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *MemoryLog) URL() string { return l.url }
func (l *MemoryLog) Close() error { return nil }

func (l *MemoryLog) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLog) appendEntry(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Seq = uint64(len(l.entries))
	l.entries = append(l.entries, e)
	l.cond.Broadcast()
	return nil
}

func (l *MemoryLog) AppendInit(ctx context.Context, code, filesArchiveUrl string) error {
	return l.appendEntry(Entry{Init: &InitEntry{Type: TypeInit, Code: code, FilesArchiveUrl: filesArchiveUrl}})
}

func (l *MemoryLog) AppendCall(ctx context.Context, call CallInvocation, result CallResult) error {
	if call.Args == nil {
		call.Args = []any{}
	}
	return l.appendEntry(Entry{Call: &CallEntry{Type: TypeCall, Call: call, Result: result}})
}

func (l *MemoryLog) List(ctx context.Context, start, end int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if end <= 0 || end > len(l.entries) {
		end = len(l.entries)
	}
	if start < 0 || start > end {
		return nil, vmerr.New(vmerr.KindMalformedLog, fmt.Sprintf("invalid range [%d,%d)", start, end))
	}
	out := make([]Entry, end-start)
	copy(out, l.entries[start:end])
	return out, nil
}

func (l *MemoryLog) Get(ctx context.Context, seq uint64, opts GetOpts) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !opts.Wait {
		if seq >= uint64(len(l.entries)) {
			return Entry{}, vmerr.New(vmerr.KindMalformedLog, fmt.Sprintf("no entry at seq %d", seq))
		}
		return l.entries[seq], nil
	}

	deadline := time.Time{}
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}
	done := make(chan struct{})
	if opts.Timeout > 0 {
		timer := time.AfterFunc(opts.Timeout, func() {
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		})
		defer timer.Stop()
	}
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	for seq >= uint64(len(l.entries)) {
		if ctx.Err() != nil {
			return Entry{}, ctx.Err()
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return Entry{}, vmerr.New(vmerr.KindStoreError, fmt.Sprintf("timed out waiting for seq %d", seq))
		}
		l.cond.Wait()
	}
	return l.entries[seq], nil
}
