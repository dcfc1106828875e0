package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const lockOwnerFile = "owner.json"

var errLocked = errors.New("resource locked")

// resourceLock is a directory lock: mkdir is atomic, and owner.json records
// who holds it so a lock left by a dead process can be reclaimed.
type resourceLock struct {
	dir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
	Execution string `json:"execution,omitempty"`
}

func acquireLock(dir, executionID string) (resourceLock, error) {
	l, err := tryLock(dir, executionID)
	if !errors.Is(err, errLocked) {
		return l, err
	}
	if !reclaimStale(dir) {
		return resourceLock{}, err
	}
	return tryLock(dir, executionID)
}

func tryLock(dir, executionID string) (resourceLock, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return resourceLock{}, fmt.Errorf("create lock parent for %s: %w", dir, err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			if owner, ok := readOwner(dir); ok {
				return resourceLock{}, fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)", errLocked, dir, owner.PID, owner.CreatedAt, owner.Hostname)
			}
			return resourceLock{}, fmt.Errorf("%w: %s", errLocked, dir)
		}
		return resourceLock{}, fmt.Errorf("acquire lock %s: %w", dir, err)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
		Execution: executionID,
	}
	if err := writeJSON(filepath.Join(dir, lockOwnerFile), owner); err != nil {
		_ = os.Remove(dir)
		return resourceLock{}, fmt.Errorf("write lock owner for %s: %w", dir, err)
	}
	return resourceLock{dir: dir}, nil
}

func (l resourceLock) Release() error {
	if strings.TrimSpace(l.dir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, lockOwnerFile))
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.dir, err)
	}
	return nil
}

func readOwner(dir string) (lockOwner, bool) {
	var owner lockOwner
	b, err := os.ReadFile(filepath.Join(dir, lockOwnerFile))
	if err != nil || json.Unmarshal(b, &owner) != nil || owner.PID <= 0 {
		return lockOwner{}, false
	}
	return owner, true
}

// reclaimStale removes a lock whose owner process on this host is gone.
func reclaimStale(dir string) bool {
	owner, ok := readOwner(dir)
	if !ok || owner.Hostname != hostnameOrUnknown() || owner.PID == os.Getpid() || processAlive(owner.PID) {
		return false
	}
	return resourceLock{dir: dir}.Release() == nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".intentd-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
