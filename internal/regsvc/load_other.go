//go:build !darwin && !linux

package regsvc

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/gpuctl/internal/rc"
)

// Open reports that shims cannot be loaded on this platform.
func Open(path string) (*Service, error) {
	return nil, fmt.Errorf("regsvc: loading %s is not supported on %s: %w", path, runtime.GOOS, rc.ErrUnsupportedHardwareFeature)
}

func (s *Service) Close() error { return nil }
