package deskherd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// FileHeartbeat appends one RFC3339 timestamp line per beat. The file is a
// liveness trace: its tail shows when the workload last held its success
// state.
type FileHeartbeat struct {
	path string
	now  func() time.Time
}

// NewFileHeartbeat creates the heartbeat file's parent directory and returns
// a FileHeartbeat writing to path.
func NewFileHeartbeat(path string) (*FileHeartbeat, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("heartbeat path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create heartbeat dir: %w", err)
		}
	}
	return &FileHeartbeat{path: path, now: time.Now}, nil
}

// Path returns the heartbeat file path.
func (h *FileHeartbeat) Path() string { return h.path }

// Beat appends the current timestamp.
func (h *FileHeartbeat) Beat(ctx context.Context) error {
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open heartbeat file: %w", err)
	}
	line := h.now().UTC().Format(time.RFC3339) + "\n"
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("append heartbeat: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close heartbeat file: %w", err)
	}
	pslog.Ctx(ctx).Debug("heartbeat written", "path", h.path)
	return nil
}
