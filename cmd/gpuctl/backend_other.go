//go:build !linux

package main

import (
	"fmt"
	"runtime"
)

func (e *env) linuxBackend() (backend, error) {
	return backend{}, fmt.Errorf("the linux backend is not available on %s", runtime.GOOS)
}
