package archive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Adaptor is the Files Archive Adaptor of spec §4.1: it wraps a
// VersionedArchive, sandboxes paths, passes encoding choices through
// unchanged, and hides everything the underlying store exposes beyond
// the nine enumerated operations.
type Adaptor struct {
	archive VersionedArchive
}

func NewAdaptor(archive VersionedArchive) *Adaptor {
	return &Adaptor{archive: archive}
}

func (a *Adaptor) GetInfo(ctx context.Context) (map[string]any, error) {
	return map[string]any{
		"url":     a.archive.URL(),
		"version": int64(a.archive.Version()),
	}, nil
}

func (a *Adaptor) Stat(ctx context.Context, path string) (map[string]any, error) {
	info, err := a.archive.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":  info.Path,
		"isDir": info.IsDir,
		"size":  info.Size,
	}, nil
}

func encodingOf(opts map[string]any) string {
	if opts == nil {
		return "utf-8"
	}
	if enc, ok := opts["encoding"].(string); ok && enc != "" {
		return enc
	}
	return "utf-8"
}

// decodeForGuest applies the requested encoding to raw archive bytes
// exactly as written by the guest, never reinterpreting it: utf-8 yields
// a Go string, binary yields the raw bytes, json round-trips through
// encoding/json so the guest sees structured data.
func decodeForGuest(data []byte, encoding string) (any, error) {
	switch encoding {
	case "binary":
		return data, nil
	case "json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "utf-8", "":
		return string(data), nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

// encodeFromGuest is decodeForGuest's inverse, used by WriteFile.
func encodeFromGuest(data any, encoding string) ([]byte, error) {
	switch encoding {
	case "binary":
		switch v := data.(type) {
		case []byte:
			return v, nil
		case string:
			// best effort: guest may have base64-encoded binary as text
			if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
				return decoded, nil
			}
			return []byte(v), nil
		default:
			return nil, fmt.Errorf("binary write expects bytes, got %T", data)
		}
	case "json":
		return json.Marshal(data)
	case "utf-8", "":
		switch v := data.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return v, nil
		default:
			return nil, fmt.Errorf("utf-8 write expects string, got %T", data)
		}
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

func (a *Adaptor) ReadFile(ctx context.Context, path string, opts map[string]any) (any, error) {
	data, err := a.archive.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeForGuest(data, encodingOf(opts))
}

func (a *Adaptor) Readdir(ctx context.Context, path string, opts map[string]any) ([]any, error) {
	entries, err := a.archive.Readdir(ctx, path)
	if err != nil {
		return nil, err
	}
	ret := make([]any, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, map[string]any{
			"path":  e.Path,
			"isDir": e.IsDir,
			"size":  e.Size,
		})
	}
	return ret, nil
}

func (a *Adaptor) History(ctx context.Context, opts map[string]any) ([]any, error) {
	limit := 0
	if opts != nil {
		if n, ok := opts["limit"].(int64); ok {
			limit = int(n)
		}
	}
	snaps, err := a.archive.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	ret := make([]any, 0, len(snaps))
	for _, s := range snaps {
		ret = append(ret, map[string]any{
			"version":  int64(s.Version),
			"time":     s.Time.UTC().Format("2006-01-02T15:04:05.000Z"),
			"numFiles": int64(s.NumFiles),
			"numDirs":  int64(s.NumDirs),
		})
	}
	return ret, nil
}

func (a *Adaptor) WriteFile(ctx context.Context, path string, data any, opts map[string]any) error {
	raw, err := encodeFromGuest(data, encodingOf(opts))
	if err != nil {
		return err
	}
	return a.archive.WriteFile(ctx, path, raw)
}

func (a *Adaptor) Mkdir(ctx context.Context, path string) error {
	return a.archive.Mkdir(ctx, path)
}

func (a *Adaptor) Unlink(ctx context.Context, path string) error {
	return a.archive.Unlink(ctx, path)
}

func (a *Adaptor) Rmdir(ctx context.Context, path string, opts map[string]any) error {
	recursive := false
	if opts != nil {
		if r, ok := opts["recursive"].(bool); ok {
			recursive = r
		}
	}
	return a.archive.Rmdir(ctx, path, recursive)
}

// Version and URL expose the adaptor's archive identity to the VM, which
// needs both for filesVersion tagging (spec §4.4) and the init record
// (spec §3 invariant 2).
func (a *Adaptor) Version() uint64 { return a.archive.Version() }
func (a *Adaptor) URL() string     { return a.archive.URL() }
func (a *Adaptor) Close() error    { return a.archive.Close() }
