//go:build linux

package shard

import (
	"golang.org/x/sys/unix"
)

const (
	efdCloexec  = unix.EFD_CLOEXEC
	efdNonblock = unix.EFD_NONBLOCK
)

// createWakeFd creates an eventfd used to wake a sleeping Shard's run loop
// from another goroutine (Schedule/Wake). The same fd is used for both
// ends: a write bumps the counter, a read drains it.
func createWakeFd() (int, error) {
	return unix.Eventfd(0, efdCloexec|efdNonblock)
}
