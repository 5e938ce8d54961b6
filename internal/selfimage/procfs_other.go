//go:build !linux

package selfimage

import (
	"runtime"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

// ProcSource is only available on linux.
type ProcSource struct{}

func Self(logger log.Logger) (*ProcSource, error) {
	return nil, errors.Errorf("selfimage: process enumeration not supported on %s", runtime.GOOS)
}

func (*ProcSource) Objects() ([]Object, error) { return nil, errors.New("selfimage: unsupported") }

func (*ProcSource) ReadAt([]byte, int64) (int, error) { return 0, errors.New("selfimage: unsupported") }
