// Package replay implements the Replay Driver of spec §4.6: rebuilding a
// VM from nothing but its call log, re-running every recorded invocation
// in order, so a third party can audit it without trusting the host.
package replay

import (
	"context"
	"fmt"
	"os"

	"github.com/reusee/vms/calllog"
	"github.com/reusee/vms/logs"
	"github.com/reusee/vms/vm"
	"github.com/reusee/vms/vmerr"
)

// Assertions mirrors spec §4.6's assertions argument to fromCallLog.
type Assertions struct {
	FilesArchiveUrl string
}

// FromCallLog implements VM.fromCallLog: read the log, verify its shape,
// rebuild a VM from init.code into dir (a fresh scratch directory when
// empty), and replay every call entry through executeCall in order.
func FromCallLog(ctx context.Context, log calllog.AppendOnlyLog, assertions Assertions, dir string, logger logs.Logger) (*vm.VM, error) {
	entries, err := log.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || entries[0].Init == nil {
		return nil, vmerr.New(vmerr.KindMalformedLog, "call log's first entry is not init")
	}
	init := entries[0].Init

	if assertions.FilesArchiveUrl != "" && assertions.FilesArchiveUrl != init.FilesArchiveUrl {
		return nil, vmerr.New(vmerr.KindAssertionMismatch, fmt.Sprintf(
			"expected filesArchiveUrl %q, log records %q", assertions.FilesArchiveUrl, init.FilesArchiveUrl))
	}

	if dir == "" {
		dir, err = os.MkdirTemp("", "vms-replay-*")
		if err != nil {
			return nil, vmerr.Wrap(vmerr.KindStoreError, "create replay scratch dir", err)
		}
	}

	rebuilt := vm.New(init.Code, logger)
	if err := rebuilt.Deploy(ctx, vm.DeployOpts{Dir: dir, Title: "replay", Url: init.FilesArchiveUrl}); err != nil {
		return nil, err
	}

	for _, entry := range entries[1:] {
		if entry.Call == nil {
			logger.DebugContext(ctx, "replay: ignoring unknown log entry type for forward compatibility", "seq", entry.Seq)
			continue
		}
		call := entry.Call.Call
		if call.MethodName == "init" {
			// Deploy already re-ran the init export as part of rebuilding
			// the VM; replaying it again here would double-execute it.
			continue
		}
		if _, err := rebuilt.ExecuteCall(ctx, call.MethodName, call.Args, call.UserId); err != nil {
			if !vmerr.Is(err, vmerr.KindGuestError) {
				return nil, err
			}
			// A guest-error entry is expected to reproduce verbatim; the
			// replayed log captures it the same way the original did.
		}
	}

	return rebuilt, nil
}
