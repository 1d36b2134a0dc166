// Command vmhostd is the host daemon: it deploys a factory VM from a
// guest script, exposes it and every VM it provisions over the RPC
// adapter, and reprovisions any VMs saved from a previous run.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/reusee/dscope"
	"github.com/reusee/vms/archive"
	"github.com/reusee/vms/calllog"
	"github.com/reusee/vms/cmds"
	"github.com/reusee/vms/factory"
	"github.com/reusee/vms/logs"
	"github.com/reusee/vms/modes"
	"github.com/reusee/vms/rpcadapter"
	"github.com/reusee/vms/sandbox"
	"github.com/reusee/vms/vm"
	"github.com/reusee/vms/vmconfigs"
)

var codeFile = cmds.Var[string]("-code")

func main() {
	cmds.Execute(os.Args[1:])

	if *codeFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -code <script.star> is required")
		os.Exit(1)
	}
	code, err := os.ReadFile(*codeFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading -code: %v\n", err)
		os.Exit(1)
	}

	scope := dscope.New(
		new(vmconfigs.Module),
		new(logs.Module),
		new(sandbox.Module),
		new(archive.Module),
		new(calllog.Module),
		new(vm.Module),
		new(factory.Module),
		new(rpcadapter.Module),
		modes.ForProduction(),
	)

	scope.Call(func(
		logger logs.Logger,
		vmCfg vmconfigs.VMConfig,
		factoryCfg vmconfigs.FactoryConfig,
		rpcCfg vmconfigs.RPCConfig,
		newAdapter func(rpcadapter.Options) *rpcadapter.Adapter,
		newFactory func(string, factory.Mounter, factory.Options) *factory.Factory,
	) {
		ctx := context.Background()

		adapter := newAdapter(rpcadapter.Options{Port: rpcCfg.Port})

		f := newFactory(string(code), adapter, factory.Options{MaxVMs: factoryCfg.MaxVMs, QMax: rpcCfg.QMax})
		if err := f.Deploy(ctx, vm.DeployOpts{
			Dir:   factoryCfg.Dir,
			Title: factoryCfg.Title,
			Url:   vmCfg.Url,
		}); err != nil {
			logger.Error("vmhostd: factory deploy failed", "err", err)
			os.Exit(1)
		}
		defer f.Close()

		if err := adapter.Mount("/factory", f.VM()); err != nil {
			logger.Error("vmhostd: mounting factory failed", "err", err)
			os.Exit(1)
		}

		if err := f.ReprovisionSavedVMs(ctx); err != nil {
			logger.Error("vmhostd: reprovisioning saved VMs failed", "err", err)
		}

		logger.Info("vmhostd: listening", "port", rpcCfg.Port)
		if err := adapter.Listen(ctx); err != nil {
			logger.Error("vmhostd: listen failed", "err", err)
			os.Exit(1)
		}
	})
}
