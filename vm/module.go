package vm

import (
	"github.com/reusee/dscope"
	"github.com/reusee/vms/archive"
	"github.com/reusee/vms/calllog"
	"github.com/reusee/vms/logs"
	"github.com/reusee/vms/sandbox"
)

type Module struct {
	dscope.Module
}

// New wires the VM constructor to the sandbox, archive, and call log
// packages' own injected constructors, so a VM built through the
// composition root actually exercises those packages' Module providers
// instead of reaching past them into sandbox.New/archive.Create/
// calllog.Create the way plain vm.New (used directly by tests and the
// replay driver) does.
func (Module) New(
	logger logs.Logger,
	newSandbox func(name, code string) *sandbox.Sandbox,
	newArchive func(dir, title string) (*archive.LocalArchive, error),
	newLog func(dir, code, filesArchiveUrl string) (*calllog.LocalLog, error),
) func(code string) *VM {
	return func(code string) *VM {
		v := newVM(code, logger, newSandbox)
		v.archiveCtor = newArchive
		v.logCtor = newLog
		return v
	}
}
