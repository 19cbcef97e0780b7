// Package daemon runs the client as a background process tracked by a pid
// file.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Files locates the pid and log files of a background client.
type Files struct {
	Dir string
}

// Default uses ~/.toolbridge, falling back to ./.toolbridge without a home
// directory.
func Default() Files {
	home, err := os.UserHomeDir()
	if err != nil {
		return Files{Dir: ".toolbridge"}
	}
	return Files{Dir: filepath.Join(home, ".toolbridge")}
}

func (f Files) PIDPath() string { return filepath.Join(f.Dir, "client.pid") }
func (f Files) LogPath() string { return filepath.Join(f.Dir, "client.log") }

// WritePID records pid.
func (f Files) WritePID(pid int) error {
	if err := os.MkdirAll(f.Dir, 0700); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}
	return os.WriteFile(f.PIDPath(), []byte(strconv.Itoa(pid)+"\n"), 0600)
}

// ReadPID returns the recorded pid, or 0 when there is no pid file.
func (f Files) ReadPID() (int, error) {
	data, err := os.ReadFile(f.PIDPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt pid file %s: %w", f.PIDPath(), err)
	}
	return pid, nil
}

// RemovePID deletes the pid file if present.
func (f Files) RemovePID() error {
	err := os.Remove(f.PIDPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// OpenLogFile opens the log file for appending, creating it if needed.
func (f Files) OpenLogFile() (*os.File, error) {
	if err := os.MkdirAll(f.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create daemon dir: %w", err)
	}
	return os.OpenFile(f.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

// Spawn starts exe with args in its own session, output appended to the
// log file, and records its pid. The child is not waited for.
func (f Files) Spawn(exe string, args ...string) (int, error) {
	logFile, err := f.OpenLogFile()
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = detachAttr()
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", filepath.Base(exe), err)
	}
	pid := child.Process.Pid
	if err := f.WritePID(pid); err != nil {
		_ = child.Process.Kill()
		return 0, fmt.Errorf("write pid file: %w", err)
	}
	_ = child.Process.Release()
	return pid, nil
}

// Running returns the recorded pid and whether that process is alive.
func (f Files) Running() (int, bool, error) {
	pid, err := f.ReadPID()
	if err != nil || pid == 0 {
		return pid, false, err
	}
	return pid, IsRunning(pid), nil
}

// IsRunning reports whether pid is alive.
func IsRunning(pid int) bool {
	return pid > 0 && alive(pid)
}

// Stop asks pid to exit and kills it if it is still alive after grace.
func Stop(pid int, grace time.Duration) error {
	if !IsRunning(pid) {
		return nil
	}
	if err := terminate(pid); err != nil {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	for deadline := time.Now().Add(grace); time.Now().Before(deadline); time.Sleep(50 * time.Millisecond) {
		if !IsRunning(pid) {
			return nil
		}
	}
	if err := kill(pid); err != nil && IsRunning(pid) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
