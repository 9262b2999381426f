//go:build !unix

package icmp

import (
	"errors"
	"os"
)

func isPermission(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

func isNoBufs(error) bool {
	return false
}
