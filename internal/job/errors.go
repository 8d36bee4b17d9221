package job

import "errors"

var (
	// ErrNotFound: the named job does not exist in the active graph.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidForKind: the operation does not apply to the job's kind
	// (start/stop are program-only, run is task-only).
	ErrInvalidForKind = errors.New("operation not valid for this job kind")

	// ErrAlreadyRunning: a dispatch was rejected because an execution is
	// already in flight for the job.
	ErrAlreadyRunning = errors.New("job already running")
)
