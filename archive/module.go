package archive

import "github.com/reusee/dscope"

type Module struct {
	dscope.Module
}

// New provides a constructor for opening or creating a LocalArchive rooted
// at a directory, mirroring the dscope wiring pattern used across the
// repo's other Module types.
func (Module) New() func(dir, title string) (*LocalArchive, error) {
	return func(dir, title string) (*LocalArchive, error) {
		if a, err := Open(dir); err == nil {
			return a, nil
		}
		return Create(dir, title)
	}
}
