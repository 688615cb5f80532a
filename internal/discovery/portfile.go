// Package discovery publishes the bridge port to a well-known file so
// client tooling can find a running bridge. The file is advisory: a
// missing, unreadable or stale file means the bridge is unavailable.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	apperrors "livebridge/internal/errors"
)

// Info is the content of the port file.
type Info struct {
	Port      int    `json:"port"`
	PID       int    `json:"pid,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
}

// PortFilePath returns LIVEBRIDGE_PORT_FILE or ~/.livebridge/bridge_port.
func PortFilePath() (string, error) {
	if p := os.Getenv("LIVEBRIDGE_PORT_FILE"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".livebridge", "bridge_port"), nil
}

// Publish records port (and this process's PID) at path.
func Publish(path string, port int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	info := Info{
		Port:      port,
		PID:       os.Getpid(),
		StartedAt: time.Now().Format(time.RFC3339),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Remove deletes the port file if this process wrote it.
func Remove(path string) error {
	info, err := readPortFile(path)
	if err != nil {
		return nil
	}
	if info.PID == os.Getpid() {
		return os.Remove(path)
	}
	return nil
}

// Read returns the published port. Every failure is a KindBridgeUnavailable
// error whose message tells the user what to do.
func Read(path string) (Info, error) {
	info, err := readPortFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, apperrors.Wrap(apperrors.KindBridgeUnavailable,
				fmt.Sprintf("no port file at %s; is the bridge running?", path), err)
		}
		return Info{}, apperrors.Wrap(apperrors.KindBridgeUnavailable,
			fmt.Sprintf("unreadable port file %s", path), err)
	}
	if info.Port <= 0 || info.Port > 65535 {
		return Info{}, apperrors.New(apperrors.KindBridgeUnavailable,
			fmt.Sprintf("port file %s holds invalid port %d", path, info.Port))
	}
	if info.PID > 0 && !isProcessRunning(info.PID) {
		return Info{}, apperrors.New(apperrors.KindBridgeUnavailable,
			fmt.Sprintf("stale port file %s (PID %d is not running)", path, info.PID))
	}
	return info, nil
}

// readPortFile accepts the JSON form or a bare port number.
func readPortFile(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	text := strings.TrimSpace(string(data))
	if port, err := strconv.Atoi(text); err == nil {
		return Info{Port: port}, nil
	}
	var info Info
	if err := json.Unmarshal([]byte(text), &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Send signal 0 to check if process exists.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
