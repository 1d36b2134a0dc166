package vmconfigs

import (
	"github.com/reusee/vms/cmds"
	"github.com/reusee/vms/configs"
	"github.com/reusee/vms/vars"
)

// FactoryConfig is the {dir, title, maxVMs?} object spec §4.5 uses to
// construct the factory's own VM plus its child-provisioning limit.
type FactoryConfig struct {
	Dir    string `json:"dir"`
	Title  string `json:"title"`
	MaxVMs int    `json:"maxVMs"`
}

func (FactoryConfig) Configurable() {}

var factoryDirFlag = cmds.Var[string]("-factory-dir")
var maxVMsFlag = cmds.Var[int]("-max-vms")

func (Module) FactoryConfig(
	loader configs.Loader,
) FactoryConfig {
	cfg := configs.First[FactoryConfig](loader, "factory")

	if dir := vars.FirstNonZero(*factoryDirFlag); dir != "" {
		cfg.Dir = dir
	}
	if n := vars.FirstNonZero(*maxVMsFlag); n != 0 {
		cfg.MaxVMs = n
	}

	return cfg
}
