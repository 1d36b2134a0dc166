package factory

import (
	"github.com/reusee/dscope"
	"github.com/reusee/vms/logs"
	"github.com/reusee/vms/vm"
)

type Module struct {
	dscope.Module
}

func (Module) New(
	logger logs.Logger,
	newVM func(string) *vm.VM,
) func(code string, mount Mounter, opts Options) *Factory {
	return func(code string, mount Mounter, opts Options) *Factory {
		return New(code, newVM, logger, mount, opts)
	}
}
