package vmconfigs

import (
	"github.com/reusee/vms/cmds"
	"github.com/reusee/vms/configs"
	"github.com/reusee/vms/vars"
)

// VMConfig is the {dir, title, url?} object spec §4.8/§6 passes to
// VM.deploy: url is present only when reattaching to an existing
// archive identity (e.g. replay).
type VMConfig struct {
	Dir   string `json:"dir"`
	Title string `json:"title"`
	Url   string `json:"url"`
}

func (VMConfig) Configurable() {}

var vmDirFlag = cmds.Var[string]("-dir")
var vmTitleFlag = cmds.Var[string]("-title")

func (Module) VMConfig(
	loader configs.Loader,
) VMConfig {
	cfg := configs.First[VMConfig](loader, "vm")

	if dir := vars.FirstNonZero(*vmDirFlag); dir != "" {
		cfg.Dir = dir
	}
	if title := vars.FirstNonZero(*vmTitleFlag); title != "" {
		cfg.Title = title
	}

	return cfg
}
