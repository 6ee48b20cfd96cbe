//go:build windows

package resumelock

import "os"

// processAlive Windows 上 FindProcess 會實際開啟 process handle，失敗表示不存在
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
