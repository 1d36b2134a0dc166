package vmconfigs

import (
	"github.com/reusee/vms/cmds"
	"github.com/reusee/vms/configs"
	"github.com/reusee/vms/vars"
)

const (
	defaultPort = 5555
	defaultQMax = 1000
)

// RPCConfig is the {port, Q_MAX} pair spec §6 assigns to the RPC
// adapter: the listen port and the call-queue bound handed to every VM
// the adapter mounts.
type RPCConfig struct {
	Port int `json:"port"`
	QMax int `json:"qMax"`
}

func (RPCConfig) Configurable() {}

var portFlag = cmds.Var[int]("-port")
var qMaxFlag = cmds.Var[int]("-q-max")

func (Module) RPCConfig(
	loader configs.Loader,
) RPCConfig {
	cfg := configs.First[RPCConfig](loader, "rpc")

	cfg.Port = vars.FirstNonZero(*portFlag, cfg.Port, defaultPort)
	cfg.QMax = vars.FirstNonZero(*qMaxFlag, cfg.QMax, defaultQMax)

	return cfg
}
