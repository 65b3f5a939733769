package processing

import "errors"

var (
	// errQueueFull is returned when the job submission channel is at capacity.
	errQueueFull = errors.New("processing: job queue is full")

	// errJobNotFound is returned when a job ID does not exist.
	errJobNotFound = errors.New("processing: job not found")
)

// IsQueueFull reports whether err indicates the queue was at capacity.
func IsQueueFull(err error) bool { return errors.Is(err, errQueueFull) }

// IsJobNotFound reports whether err indicates the job ID doesn't exist.
func IsJobNotFound(err error) bool { return errors.Is(err, errJobNotFound) }
