//go:build unix

package icmp

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isPermission(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}

func isNoBufs(err error) bool {
	return errors.Is(err, unix.ENOBUFS)
}
