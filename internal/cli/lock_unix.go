//go:build darwin || linux

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const lockFileName = "crewlyd.lock"

// acquireLock takes an exclusive flock on dataDir/crewlyd.lock so only one
// crewlyd instance runs against a given data directory at a time. If the
// lock is held by a PID that's no longer alive, the stale lock is cleared
// and acquisition retried once.
func acquireLock(dataDir string) (*os.File, error) {
	lockPath := filepath.Join(dataDir, lockFileName)

	file, err := tryLock(lockPath)
	if err == nil {
		return file, nil
	}

	pid, readErr := readLockPID(lockPath)
	if readErr != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	if isProcessAlive(pid) {
		return nil, fmt.Errorf("crewlyd already running (pid %d)", pid)
	}

	if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("remove stale lock %s: %w", lockPath, rmErr)
	}
	time.Sleep(100 * time.Millisecond)

	file, err = tryLock(lockPath)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s after clearing stale holder: %w", lockPath, err)
	}
	return file, nil
}

func tryLock(lockPath string) (*os.File, error) {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return nil, err
	}

	if err := file.Truncate(0); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, 0); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := fmt.Fprintf(file, "%d\n", os.Getpid()); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, err
	}

	return file, nil
}

func readLockPID(lockPath string) (int, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock pid: %w", err)
	}
	return pid, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func releaseLock(file *os.File) {
	if file == nil {
		return
	}
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	file.Close()
}
