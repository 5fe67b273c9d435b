package cache

import (
	"errors"
)

var (
	// ErrAlreadyStarted is returned when starting a cache twice.
	ErrAlreadyStarted = errors.New("cache already started")
	// ErrClosed is returned when starting a closed cache.
	ErrClosed = errors.New("cache is closed")
)
