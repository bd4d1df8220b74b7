package archive

import (
	"errors"
	"fmt"
)

// GenerationStatus is the progress of the latest generation of a build.
type GenerationStatus int

const (
	// StatusInProgress means a generation is scheduled or running.
	StatusInProgress GenerationStatus = iota + 1
	// StatusCompleted means the latest generation finished successfully.
	StatusCompleted
)

var errUnknownStatus = errors.New("unknown generation status")

// String returns the human-readable status.
func (s GenerationStatus) String() string {
	switch s {
	case StatusInProgress:
		return "In Progress"
	case StatusCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("GenerationStatus(%d)", int(s))
	}
}

// MarshalText renders the status for JSON responses.
func (s GenerationStatus) MarshalText() ([]byte, error) {
	switch s {
	case StatusInProgress, StatusCompleted:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", errUnknownStatus, int(s))
	}
}

// UnmarshalText parses a status rendered by MarshalText.
func (s *GenerationStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case StatusInProgress.String():
		*s = StatusInProgress
	case StatusCompleted.String():
		*s = StatusCompleted
	default:
		return fmt.Errorf("%w: %q", errUnknownStatus, string(text))
	}

	return nil
}
