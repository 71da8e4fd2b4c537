//go:build !linux
// +build !linux

package hero

import "fmt"

// OpenMappedPlatform returns an error on platforms other than linux.
func OpenMappedPlatform(path string, cfg *Config) (*MemoryPlatform, error) {
	return nil, fmt.Errorf("hero: mapping device memory is not supported on this platform")
}
