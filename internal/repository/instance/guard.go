package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/build-archive/internal/logger"
)

// MarkerFilename is the name of the marker inside the storage root.
const MarkerFilename = "archive-server.pid"

// ErrAlreadyRunning is returned when another live server owns the storage root.
var ErrAlreadyRunning = errors.New("another server is already using this storage directory")

// Guard is the ownership of a storage root.
type Guard struct {
	path string
	pid  int
}

// Acquire claims root for the current process.
func Acquire(ctx context.Context, root string) (*Guard, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	path := filepath.Join(root, MarkerFilename)
	self := os.Getpid()

	owner, err := readMarker(path)
	switch {
	case err == nil:
		if owner != self && isSameProgram(owner, self) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, owner)
		}

		logger.InfoKV(ctx, "Replacing stale instance marker", "path", path, "pid", owner)
	case errors.Is(err, os.ErrNotExist):
	default:
		logger.WarnKV(ctx, "Unreadable instance marker, replacing it", "path", path, "error", err)
	}

	if err = os.WriteFile(path, []byte(strconv.Itoa(self)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write instance marker: %w", err)
	}

	return &Guard{path: path, pid: self}, nil
}

// Release removes the marker if it still belongs to this process.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}

	owner, err := readMarker(g.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return err
	}

	if owner != g.pid {
		return nil
	}

	if err = os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove instance marker: %w", err)
	}

	return nil
}

func readMarker(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse instance marker: %w", err)
	}

	return pid, nil
}

// isSameProgram reports whether pid is alive and runs the same executable as self.
func isSameProgram(pid, self int) bool {
	other, err := ps.FindProcess(pid)
	if err != nil || other == nil {
		return false
	}

	current, err := ps.FindProcess(self)
	if err != nil || current == nil {
		// Unable to compare, assume the owner is alive.
		return true
	}

	return other.Executable() == current.Executable()
}
