package calllog

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/reusee/vms/vmerr"
)

func logPath(dir string) string  { return filepath.Join(dir, "log.ndjson") }
func lockPath(dir string) string { return filepath.Join(dir, ".calllog.lock") }

// LocalLog is the disk-backed AppendOnlyLog shipped by this repo: an
// NDJSON file appended to under a lock file, the same atomicity
// discipline the teacher's taitape.VM.RunStep uses for its own tape.
// The decoded entries are kept in memory since the file is the single
// source of truth and is only ever appended to, never rewritten.
type LocalLog struct {
	dir string
	url string

	mu      sync.Mutex
	cond    *sync.Cond
	entries []Entry
}

var _ AppendOnlyLog = (*LocalLog)(nil)

// Create initialises a fresh log at dir with a sequence-0 init entry, per
// spec §4.2. Fails if dir already contains a log.
func Create(dir, code, filesArchiveUrl string) (*LocalLog, error) {
	if _, err := os.Stat(logPath(dir)); err == nil {
		return nil, vmerr.New(vmerr.KindStoreError, fmt.Sprintf("call log already exists at %s", dir))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, vmerr.Wrap(vmerr.KindStoreError, "create call log dir", err)
	}
	l := &LocalLog{
		dir: dir,
		url: urlFor("calllog", []byte(code+":"+filesArchiveUrl)),
	}
	l.cond = sync.NewCond(&l.mu)
	if err := l.AppendInit(context.Background(), code, filesArchiveUrl); err != nil {
		return nil, err
	}
	return l, nil
}

// Open reopens an existing log, verifying sequence 0 is init.
func Open(dir string) (*LocalLog, error) {
	f, err := os.Open(logPath(dir))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindStoreError, "open call log", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var seq uint64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, err := unmarshalEntry(seq, append([]byte{}, line...))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		seq++
	}
	if err := scanner.Err(); err != nil {
		return nil, vmerr.Wrap(vmerr.KindStoreError, "scan call log", err)
	}
	if len(entries) == 0 || entries[0].Init == nil {
		return nil, vmerr.New(vmerr.KindMalformedLog, "call log sequence 0 is not init")
	}

	l := &LocalLog{
		dir:     dir,
		url:     urlFor("calllog", []byte(entries[0].Init.Code+":"+entries[0].Init.FilesArchiveUrl)),
		entries: entries,
	}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

func (l *LocalLog) URL() string { return l.url }

func (l *LocalLog) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *LocalLog) Close() error { return nil }

func (l *LocalLog) acquireLock() (func(), error) {
	f, err := os.OpenFile(lockPath(l.dir), os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, vmerr.New(vmerr.KindStoreError, fmt.Sprintf("call log at %s is locked by another process", l.dir))
		}
		return nil, vmerr.Wrap(vmerr.KindStoreError, "acquire call log lock", err)
	}
	f.Close()
	return func() { os.Remove(lockPath(l.dir)) }, nil
}

// append durably commits a single line, fsyncing before returning so a
// crash mid-write never leaves a partial entry observable on recovery
// (spec §4.2's atomicity requirement).
func (l *LocalLog) append(entry Entry) error {
	unlock, err := l.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	line, err := entry.MarshalCanonical()
	if err != nil {
		return vmerr.Wrap(vmerr.KindStoreError, "encode log entry", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(logPath(l.dir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return vmerr.Wrap(vmerr.KindStoreError, "open call log for append", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return vmerr.Wrap(vmerr.KindStoreError, "append call log entry", err)
	}
	if err := f.Sync(); err != nil {
		return vmerr.Wrap(vmerr.KindStoreError, "sync call log", err)
	}

	entry.Seq = uint64(len(l.entries))
	l.entries = append(l.entries, entry)
	l.cond.Broadcast()
	return nil
}

func (l *LocalLog) AppendInit(ctx context.Context, code, filesArchiveUrl string) error {
	return l.append(Entry{Init: &InitEntry{Type: TypeInit, Code: code, FilesArchiveUrl: filesArchiveUrl}})
}

func (l *LocalLog) AppendCall(ctx context.Context, call CallInvocation, result CallResult) error {
	if call.Args == nil {
		call.Args = []any{}
	}
	return l.append(Entry{Call: &CallEntry{Type: TypeCall, Call: call, Result: result}})
}

func (l *LocalLog) List(ctx context.Context, start, end int) ([]Entry, error) {
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

// Get performs random access, optionally blocking until the entry
// becomes available, per spec §4.2. Wait is serviced by a condition
// variable signalled on every append; Timeout of 0 with Wait set blocks
// indefinitely, bounded only by ctx.
func (l *LocalLog) Get(ctx context.Context, seq uint64, opts GetOpts) (Entry, error) {
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
