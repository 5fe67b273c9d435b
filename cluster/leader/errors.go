package leader

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned when starting a latch or selector twice.
	ErrAlreadyStarted = errors.New("already started")
	// ErrClosed is returned when waiting on a closed latch or selector.
	ErrClosed = errors.New("closed")
	// ErrNotStarted is returned by operations that require Start.
	ErrNotStarted = errors.New("not started")
	// ErrNoLeader is returned when a leader lookup finds no participants.
	ErrNoLeader = errors.New("no participants in election")
)

// ErrTaskPanicked is returned for a leadership task that panicked.
type ErrTaskPanicked struct {
	value interface{}
}

// Error returns an error string.
func (err ErrTaskPanicked) Error() string {
	return fmt.Sprintf("leadership task panicked: %v", err.value)
}
