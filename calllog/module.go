package calllog

import "github.com/reusee/dscope"

type Module struct {
	dscope.Module
}

// New provides a constructor for opening or creating a LocalLog rooted at
// a directory, mirroring the archive package's wiring pattern.
func (Module) New() func(dir, code, filesArchiveUrl string) (*LocalLog, error) {
	return func(dir, code, filesArchiveUrl string) (*LocalLog, error) {
		if l, err := Open(dir); err == nil {
			return l, nil
		}
		return Create(dir, code, filesArchiveUrl)
	}
}

func (Module) Transport() *LocalTransport {
	return NewLocalTransport()
}
