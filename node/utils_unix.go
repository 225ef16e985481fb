//go:build linux
// +build linux

package node

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsTemporaryError checks if the error is EAGAIN or EWOULDBLOCK.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, ErrWouldBlock)
}

func isFDValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// CloseFd closes fd unless it is already invalid.
func CloseFd(fd int) error {
	if fd < 0 || !isFDValid(fd) {
		return nil
	}
	return unix.Close(fd)
}

// retryEINTR repeats fn while it is interrupted by a signal.
func retryEINTR(fn func() error) error {
	for {
		err := fn()
		if err != unix.EINTR {
			return err
		}
	}
}
