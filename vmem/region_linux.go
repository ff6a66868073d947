// ABOUTME: Linux backing for virtual memory regions via mmap, mprotect and madvise
// ABOUTME: Reservations are PROT_NONE anonymous mappings that do not reserve swap

//go:build linux

package vmem

import (
	"golang.org/x/sys/unix"
)

// OSPageSize returns the granularity of permission changes
func OSPageSize() uint64 {
	return uint64(unix.Getpagesize())
}

func sysReserve(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
}

func protFlags(p Permission) int {
	switch p {
	case Read:
		return unix.PROT_READ
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case ReadExecute:
		return unix.PROT_READ | unix.PROT_EXEC
	case ReadWriteExecute:
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	}
	return unix.PROT_NONE
}

func sysProtect(b []byte, p Permission) error {
	return unix.Mprotect(b, protFlags(p))
}

func sysDiscard(b []byte) error {
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

func sysFree(b []byte) error {
	return unix.Munmap(b)
}
