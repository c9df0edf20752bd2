package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/MaxSonchik/DevOS/internal/utils/fileutil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

// managePidFile writes the current PID to path. A file left by a process
// that is no longer alive is replaced.
// managePidFile 将当前 PID 写入 path；已退出进程留下的文件会被替换。
func managePidFile(path string) error {
	if data, err := fileutil.ReadFileIfExists(path); err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	} else if data != nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && processAlive(pid) {
			return fmt.Errorf("PID file %s already exists (pid %d). Is dshark already running?", path, pid)
		}
		logger.Get(nil).Warnf("[WARN] Replacing stale PID file %s", path)
	}
	if err := fileutil.AtomicWriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func removePidFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Get(nil).Warnf("[WARN] Failed to remove PID file: %v", err)
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
