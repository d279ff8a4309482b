//go:build !linux

package rt

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("not supported on " + runtime.GOOS)

func PinCurrentThread(cpu int) (func(), error) {
	return nil, errUnsupported
}

func CurrentCPUs() ([]int, error) {
	return nil, errUnsupported
}

func LockMemory() error {
	return errUnsupported
}
