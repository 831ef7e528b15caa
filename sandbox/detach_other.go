//go:build !unix

package sandbox

import "syscall"

// Session detachment is a unix concept; elsewhere the backend invocation is
// already mediated by an intermediary shell layer.
func detachSysProcAttr() *syscall.SysProcAttr {
	return nil
}
