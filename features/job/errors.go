package job

import "errors"

var (
	// ErrValidation marks enqueue parameters rejected before any write.
	ErrValidation = errors.New("invalid job parameters")

	// ErrPersistence marks failures talking to the job store.
	ErrPersistence = errors.New("job store failure")

	ErrNotFound = errors.New("job not found")

	// ErrClaimLost is returned when a conditional transition matched no row,
	// meaning the job is no longer in the state this worker claimed it in.
	ErrClaimLost = errors.New("job claim lost")
)
