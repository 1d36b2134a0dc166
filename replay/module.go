package replay

import (
	"context"

	"github.com/reusee/dscope"
	"github.com/reusee/vms/calllog"
	"github.com/reusee/vms/logs"
	"github.com/reusee/vms/vm"
)

type Module struct {
	dscope.Module
}

// Driver binds a logger to FromCallLog so callers resolved via dscope
// don't need to thread one through by hand.
func (Module) Driver(logger logs.Logger) func(ctx context.Context, log calllog.AppendOnlyLog, assertions Assertions, dir string) (*vm.VM, error) {
	return func(ctx context.Context, log calllog.AppendOnlyLog, assertions Assertions, dir string) (*vm.VM, error) {
		return FromCallLog(ctx, log, assertions, dir, logger)
	}
}
