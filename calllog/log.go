package calllog

import (
	"context"
	"time"
)

// AppendOnlyLog is the external-collaborator contract spec §9 assigns to
// the distribution layer backing a VM's call log. The core never assumes
// its on-disk layout or hashing scheme.
type AppendOnlyLog interface {
	URL() string
	Length() int
	AppendInit(ctx context.Context, code, filesArchiveUrl string) error
	AppendCall(ctx context.Context, call CallInvocation, result CallResult) error
	Get(ctx context.Context, seq uint64, opts GetOpts) (Entry, error)
	List(ctx context.Context, start, end int) ([]Entry, error)
	Close() error
}

// GetOpts mirrors spec §4.2's get(seq, {wait?, timeout?}) signature. A
// zero Timeout with Wait set blocks indefinitely.
type GetOpts struct {
	Wait    bool
	Timeout time.Duration
}
