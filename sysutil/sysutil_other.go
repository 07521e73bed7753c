//go:build !linux

package sysutil

import (
	"errors"
	"fmt"
	"runtime"
)

var errUnsupported = fmt.Errorf("%s: %w", runtime.GOOS, errors.ErrUnsupported)

// FreeSpace is not supported on this platform.
func FreeSpace(string) (uint64, error) {
	return 0, errUnsupported
}

// SetRealtime is not supported on this platform.
func SetRealtime(int) error {
	return errUnsupported
}

// SetAffinity is not supported on this platform.
func SetAffinity(int) error {
	return errUnsupported
}
