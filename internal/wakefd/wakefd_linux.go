//go:build linux

package wakefd

import (
	"golang.org/x/sys/unix"
)

// create returns a single eventfd as both read and write ends.
func create() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}
