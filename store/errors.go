package store

import (
	"errors"
	"fmt"

	"github.com/go-zookeeper/zk"
)

var (
	// ErrSessionLost is returned when an operation depends on a session that
	// has expired or been closed.
	ErrSessionLost = errors.New("zookeeper session lost")
	// ErrClosed is returned when waiting on a closed client.
	ErrClosed = errors.New("client is closed")
)

// PathError records a ZooKeeper error and the path it was returned for. The
// underlying zk error remains reachable through errors.Is.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

func pathError(p string, err error) error {
	if err == nil {
		return nil
	}
	return &PathError{Path: p, Err: err}
}

// IsNoNode returns whether err reports a missing znode.
func IsNoNode(err error) bool {
	return errors.Is(err, zk.ErrNoNode)
}

// IsNodeExists returns whether err reports an existing znode.
func IsNodeExists(err error) bool {
	return errors.Is(err, zk.ErrNodeExists)
}

// IsTransient returns whether err is a connectivity failure that may
// succeed when retried, possibly under a new session.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, zk.ErrConnectionClosed),
		errors.Is(err, zk.ErrNoServer),
		errors.Is(err, zk.ErrSessionExpired),
		errors.Is(err, zk.ErrSessionMoved),
		errors.Is(err, ErrSessionLost):
		return true
	}
	return false
}
