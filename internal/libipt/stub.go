//go:build !(libipt && linux && amd64)

package libipt

import (
	"errors"

	"hwtracer/internal/ipt"
)

const Available = false

var errUnavailable = errors.New("libipt: not built with the libipt tag on linux/amd64")

func NewEngine() (ipt.Engine, error) { return nil, errUnavailable }
