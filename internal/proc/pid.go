// Package proc holds process lifecycle helpers: liveness checks, graceful
// then forced termination of worker processes and the service pid file.
package proc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const PIDFileName = "seorunner.pid"

// ErrAlreadyRunning is returned when the pid file names a live process.
var ErrAlreadyRunning = errors.New("another instance is already running")

// WritePID записывает PID в файл, отказываясь перезаписать живой процесс
func WritePID(dir string, pid int) error {
	if existing, err := ReadPID(dir); err == nil && existing != pid && IsRunning(existing) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, existing)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create pid dir: %w", err)
	}
	if err := os.WriteFile(PIDPath(dir), []byte(fmt.Sprintf("%d\n", pid)), 0o600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// ReadPID читает PID из файла
func ReadPID(dir string) (int, error) {
	data, err := os.ReadFile(PIDPath(dir))
	if err != nil {
		return 0, err
	}

	var pid int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err != nil {
		return 0, err
	}
	return pid, nil
}

// RemovePID удаляет PID файл
func RemovePID(dir string) error {
	if err := os.Remove(PIDPath(dir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PIDPath возвращает путь к PID файлу
func PIDPath(dir string) string {
	return filepath.Join(dir, PIDFileName)
}

// IsRunning проверяет что процесс запущен
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// signal 0 only checks existence
	return process.Signal(syscall.Signal(0)) == nil
}
