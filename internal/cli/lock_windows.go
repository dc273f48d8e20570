//go:build windows

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/windows"
)

const lockFileName = "crewlyd.lock"

// acquireLock mirrors lock_unix.go's behavior using LockFileEx, since
// Windows has no flock.
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

	handle := windows.Handle(file.Fd())
	overlapped := new(windows.Overlapped)
	if err := windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, overlapped); err != nil {
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
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}

func releaseLock(file *os.File) {
	if file == nil {
		return
	}
	handle := windows.Handle(file.Fd())
	overlapped := new(windows.Overlapped)
	windows.UnlockFileEx(handle, 0, 1, 0, overlapped)
	file.Close()
}
