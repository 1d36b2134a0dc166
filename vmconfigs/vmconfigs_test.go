package vmconfigs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/reusee/vms/configs"
	"github.com/stretchr/testify/require"
)

func TestVMConfigDefaultsToZeroWhenAbsent(t *testing.T) {
	loader := configs.NewLoader(nil, schema)
	cfg := configs.First[VMConfig](loader, "vm")
	require.Equal(t, VMConfig{}, cfg)
}

func TestLoaderReadsVMAndRPCSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmhost.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
vm: {
	dir: "/var/lib/vmhost"
	title: "host"
}
rpc: {
	port: 7000
	qMax: 50
}
`), 0o644))

	loader := configs.NewLoader([]string{path}, schema)

	vmCfg := configs.First[VMConfig](loader, "vm")
	require.Equal(t, "/var/lib/vmhost", vmCfg.Dir)
	require.Equal(t, "host", vmCfg.Title)

	rpcCfg := configs.First[RPCConfig](loader, "rpc")
	require.Equal(t, 7000, rpcCfg.Port)
	require.Equal(t, 50, rpcCfg.QMax)
}

func TestSchemaRejectsOutOfRangePort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmhost.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc: {
	port: 70000
}
`), 0o644))

	loader := configs.NewLoader([]string{path}, schema)
	var cfg RPCConfig
	err := loader.AssignFirst("rpc", &cfg)
	require.Error(t, err)
}
