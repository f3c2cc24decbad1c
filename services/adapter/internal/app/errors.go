package app

import "errors"

var (
	// ErrQueueDisabled is returned for async training when no Redis queue is configured.
	ErrQueueDisabled = errors.New("training queue not configured")
	ErrJobNotFound   = errors.New("training job not found")
)
