package services

import "errors"

// Task errors
var (
	ErrTaskIDRequired = errors.New("task: id is required")
	ErrInvalidPage    = errors.New("task: page must be positive")
)

// Subscription errors
var (
	ErrNotSubscribed = errors.New("subscription: no task subscribed")
)

// Download errors
var (
	ErrNoDeviceIdentifier = errors.New("download: task has no device identifier")
)

// Controller store errors
var (
	ErrTaskNotFound     = errors.New("task: not found")
	ErrTaskFinished     = errors.New("task: already finished")
	ErrTaskNotRetryable = errors.New("task: only failed tasks can be retried")
)
