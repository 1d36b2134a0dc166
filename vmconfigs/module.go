// Package vmconfigs validates and loads the host daemon's configuration:
// VM deploy options, factory limits, and the RPC adapter's port and
// queue bound, against an embedded CUE schema. The search-path
// convention (working directory, user config dir, /etc) follows teacher
// taiconfigs.ConfigsLoader.
package vmconfigs

import (
	_ "embed"
	"os"
	"path/filepath"

	"github.com/reusee/dscope"
	"github.com/reusee/vms/configs"
	"github.com/reusee/vms/logs"
)

//go:embed schema.cue
var schema string

type Module struct {
	dscope.Module
}

func (Module) ConfigsLoader(
	logger logs.Logger,
) configs.Loader {

	var paths []string
	defer func() {
		if len(paths) > 0 {
			logger.Info("vmconfigs: config file", "paths", paths)
		}
	}()

	filenames := []string{
		"vmhost.cue",
		".vmhost.cue",
	}

	if workingDir, err := os.Getwd(); err == nil {
		for _, filename := range filenames {
			path := filepath.Join(workingDir, filename)
			if _, err := os.Stat(path); err == nil {
				paths = append(paths, path)
			}
		}
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		for _, filename := range filenames {
			path := filepath.Join(configDir, filename)
			if _, err := os.Stat(path); err == nil {
				paths = append(paths, path)
			}
		}
	}

	for _, filename := range filenames {
		path := filepath.Join("/etc", filename)
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}

	return configs.NewLoader(paths, schema)
}
