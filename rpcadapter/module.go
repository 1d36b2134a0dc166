package rpcadapter

import (
	"github.com/reusee/dscope"
	"github.com/reusee/vms/logs"
)

type Module struct {
	dscope.Module
}

func (Module) New(logger logs.Logger) func(opts Options) *Adapter {
	return func(opts Options) *Adapter {
		return New(logger, opts)
	}
}
