//go:build !windows

package resumelock

import (
	"errors"
	"syscall"
)

// processAlive 以 signal 0 檢查 process 是否存在；EPERM 表示存在但無權限
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
