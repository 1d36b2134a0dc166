package sandbox

import (
	"github.com/reusee/dscope"
	"github.com/reusee/vms/logs"
)

type Module struct {
	dscope.Module
}

// New returns a sandbox constructor bound to the injected logger, the
// same shape as taitape.Module.VM in the teacher repo.
func (Module) New(
	logger logs.Logger,
) func(name, code string) *Sandbox {
	return func(name, code string) *Sandbox {
		return New(name, code, logger)
	}
}
