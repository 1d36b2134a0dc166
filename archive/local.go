// Package archive implements the Files Archive Adaptor of spec §4.1: a
// versioned, path-sandboxed filesystem owned by exactly one VM. The local
// backing store is content-addressed (blobs keyed by sha256) with an
// atomically-rewritten manifest, following the same temp-file-plus-rename
// and lock-file discipline the teacher's taitape.VM.saveTape uses to keep
// its own append-only tape consistent across crashes.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// VersionedArchive is the external-collaborator contract spec §9 assigns
// to the underlying distribution layer: a versioned filesystem the core
// never assumes the on-disk layout of.
type VersionedArchive interface {
	URL() string
	Version() uint64
	Stat(ctx context.Context, path string) (Info, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Readdir(ctx context.Context, path string) ([]Info, error)
	History(ctx context.Context, limit int) ([]VersionSnapshot, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Mkdir(ctx context.Context, path string) error
	Unlink(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string, recursive bool) error
	Close() error
}

type Info struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

type VersionSnapshot struct {
	Version   uint64    `json:"version"`
	Time      time.Time `json:"time"`
	NumFiles  int       `json:"numFiles"`
	NumDirs   int       `json:"numDirs"`
}

type manifest struct {
	URL     string            `json:"url"`
	Version uint64            `json:"version"`
	Files   map[string]string `json:"files"` // path -> blob sha256 hex
	Dirs    map[string]bool   `json:"dirs"`
}

// LocalArchive is the disk-backed VersionedArchive shipped by this repo.
type LocalArchive struct {
	dir string
	url string

	mu sync.Mutex
	m  manifest
}

var _ VersionedArchive = (*LocalArchive)(nil)

func manifestPath(dir string) string { return filepath.Join(dir, "manifest.json") }
func blobsDir(dir string) string     { return filepath.Join(dir, "blobs") }
func historyPath(dir string) string  { return filepath.Join(dir, "versions.ndjson") }
func lockPath(dir string) string     { return filepath.Join(dir, ".archive.lock") }

// Create initialises a fresh archive at dir, starting at version 1 (the
// post-init version spec §3 specifies), with title folded into the seed
// from which the durable URL is derived.
func Create(dir, title string) (*LocalArchive, error) {
	return create(dir, title+":"+uuid.NewString(), "")
}

// CreateWithURL initialises a fresh archive that adopts a caller-supplied
// durable URL instead of minting one, used by the replay driver (spec
// §4.6) to rebuild an archive that claims the same identity as the one
// recorded in the call log being replayed.
func CreateWithURL(dir, title, url string) (*LocalArchive, error) {
	return create(dir, title+":"+uuid.NewString(), url)
}

func create(dir, seed, forcedURL string) (*LocalArchive, error) {
	if _, err := os.Stat(manifestPath(dir)); err == nil {
		return nil, fmt.Errorf("archive already exists at %s", dir)
	}
	if err := os.MkdirAll(blobsDir(dir), 0755); err != nil {
		return nil, err
	}

	url := forcedURL
	if url == "" {
		url = urlFor("archive", []byte(seed))
	}
	a := &LocalArchive{
		dir: dir,
		url: url,
		m: manifest{
			URL:     url,
			Version: 1,
			Files:   map[string]string{},
			Dirs:    map[string]bool{"/": true},
		},
	}
	if err := a.save(); err != nil {
		return nil, err
	}
	if err := a.appendHistory(); err != nil {
		return nil, err
	}
	return a, nil
}

// Open reopens an existing archive, reading the URL persisted at create
// time so repeated opens are stable.
func Open(dir string) (*LocalArchive, error) {
	content, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("corrupt manifest at %s: %w", dir, err)
	}
	return &LocalArchive{
		dir: dir,
		url: m.URL,
		m:   m,
	}, nil
}

func (a *LocalArchive) URL() string     { return a.url }
func (a *LocalArchive) Version() uint64 { a.mu.Lock(); defer a.mu.Unlock(); return a.m.Version }

func (a *LocalArchive) Close() error { return nil }

func (a *LocalArchive) acquireLock() (func(), error) {
	f, err := os.OpenFile(lockPath(a.dir), os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("archive at %s is locked by another process", a.dir)
		}
		return nil, err
	}
	f.Close()
	return func() { os.Remove(lockPath(a.dir)) }, nil
}

// save atomically rewrites manifest.json: write to a temp file, fsync,
// then rename over the original — the same discipline as taitape's
// saveTape, so a crash mid-write never leaves a half-written manifest.
func (a *LocalArchive) save() error {
	data, err := json.MarshalIndent(a.m, "", "  ")
	if err != nil {
		return err
	}
	tmp := manifestPath(a.dir) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, manifestPath(a.dir))
}

func (a *LocalArchive) appendHistory() error {
	snap := VersionSnapshot{
		Version:  a.m.Version,
		Time:     time.Now(),
		NumFiles: len(a.m.Files),
		NumDirs:  len(a.m.Dirs),
	}
	line, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(historyPath(a.dir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (a *LocalArchive) putBlob(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	path := filepath.Join(blobsDir(a.dir), h)
	if _, err := os.Stat(path); err == nil {
		return h, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return h, nil
}

func (a *LocalArchive) Stat(ctx context.Context, p string) (Info, error) {
	p, err := cleanPath(p)
	if err != nil {
		return Info{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if hash, ok := a.m.Files[p]; ok {
		blob, err := os.Stat(filepath.Join(blobsDir(a.dir), hash))
		if err != nil {
			return Info{}, err
		}
		return Info{Path: p, IsDir: false, Size: blob.Size()}, nil
	}
	if a.m.Dirs[p] {
		return Info{Path: p, IsDir: true}, nil
	}
	return Info{}, fmt.Errorf("no such path: %s", p)
}

func (a *LocalArchive) ReadFile(ctx context.Context, p string) ([]byte, error) {
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	hash, ok := a.m.Files[p]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such file: %s", p)
	}
	return os.ReadFile(filepath.Join(blobsDir(a.dir), hash))
}

func (a *LocalArchive) Readdir(ctx context.Context, dirPath string) ([]Info, error) {
	dirPath, err := cleanPath(dirPath)
	if err != nil {
		return nil, err
	}
	prefix := dirPath
	if prefix != "/" {
		prefix += "/"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.m.Dirs[dirPath] {
		return nil, fmt.Errorf("no such directory: %s", dirPath)
	}

	seen := map[string]Info{}
	for p, hash := range a.m.Files {
		if !strings.HasPrefix(p, prefix) || p == dirPath {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			name := rest[:idx]
			seen[name] = Info{Path: prefix + name, IsDir: true}
			continue
		}
		blob, err := os.Stat(filepath.Join(blobsDir(a.dir), hash))
		size := int64(0)
		if err == nil {
			size = blob.Size()
		}
		seen[rest] = Info{Path: p, IsDir: false, Size: size}
	}
	for d := range a.m.Dirs {
		if !strings.HasPrefix(d, prefix) || d == dirPath {
			continue
		}
		rest := strings.TrimPrefix(d, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			name := rest[:idx]
			seen[name] = Info{Path: prefix + name, IsDir: true}
			continue
		}
		seen[rest] = Info{Path: d, IsDir: true}
	}

	entries := make([]Info, 0, len(seen))
	for _, info := range seen {
		entries = append(entries, info)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (a *LocalArchive) History(ctx context.Context, limit int) ([]VersionSnapshot, error) {
	data, err := os.ReadFile(historyPath(a.dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var snaps []VersionSnapshot
	for _, line := range lines {
		if line == "" {
			continue
		}
		var snap VersionSnapshot
		if err := json.Unmarshal([]byte(line), &snap); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[len(snaps)-limit:]
	}
	return snaps, nil
}

func (a *LocalArchive) mutate(fn func() error) error {
	unlock, err := a.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := fn(); err != nil {
		return err
	}
	a.m.Version++
	if err := a.save(); err != nil {
		return err
	}
	return a.appendHistory()
}

func (a *LocalArchive) ensureParentDirs(p string) {
	dir := filepath.Dir(p)
	for dir != "/" && dir != "." && !a.m.Dirs[dir] {
		a.m.Dirs[dir] = true
		dir = filepath.Dir(dir)
	}
	a.m.Dirs["/"] = true
}

func (a *LocalArchive) WriteFile(ctx context.Context, p string, data []byte) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	return a.mutate(func() error {
		hash, err := a.putBlob(data)
		if err != nil {
			return err
		}
		a.m.Files[p] = hash
		a.ensureParentDirs(p)
		return nil
	})
}

func (a *LocalArchive) Mkdir(ctx context.Context, p string) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	return a.mutate(func() error {
		if a.m.Dirs[p] {
			return fmt.Errorf("directory already exists: %s", p)
		}
		a.m.Dirs[p] = true
		a.ensureParentDirs(p + "/x")
		return nil
	})
}

func (a *LocalArchive) Unlink(ctx context.Context, p string) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	return a.mutate(func() error {
		if _, ok := a.m.Files[p]; !ok {
			return fmt.Errorf("no such file: %s", p)
		}
		delete(a.m.Files, p)
		return nil
	})
}

func (a *LocalArchive) Rmdir(ctx context.Context, p string, recursive bool) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	return a.mutate(func() error {
		if !a.m.Dirs[p] {
			return fmt.Errorf("no such directory: %s", p)
		}
		prefix := p
		if prefix != "/" {
			prefix += "/"
		}
		hasChildren := false
		for f := range a.m.Files {
			if strings.HasPrefix(f, prefix) {
				hasChildren = true
				break
			}
		}
		for d := range a.m.Dirs {
			if d != p && strings.HasPrefix(d, prefix) {
				hasChildren = true
				break
			}
		}
		if hasChildren && !recursive {
			return fmt.Errorf("directory not empty: %s", p)
		}
		if recursive {
			for f := range a.m.Files {
				if strings.HasPrefix(f, prefix) {
					delete(a.m.Files, f)
				}
			}
			for d := range a.m.Dirs {
				if d != p && strings.HasPrefix(d, prefix) {
					delete(a.m.Dirs, d)
				}
			}
		}
		delete(a.m.Dirs, p)
		return nil
	})
}
