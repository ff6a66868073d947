// ABOUTME: Portable backing for virtual memory regions on top of Go-allocated memory
// ABOUTME: Permissions are tracked but not enforced; discarding zeroes the range

//go:build !linux

package vmem

import "os"

// OSPageSize returns the granularity of permission changes
func OSPageSize() uint64 {
	return uint64(os.Getpagesize())
}

func sysReserve(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func sysProtect(b []byte, p Permission) error {
	return nil
}

func sysDiscard(b []byte) error {
	clear(b)
	return nil
}

func sysFree(b []byte) error {
	return nil
}
