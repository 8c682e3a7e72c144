package task

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ID is an opaque task identifier, unique across the process for the life
// of the platform.
type ID string

// sequence is a process-wide monotonic counter, mirroring the scheduler's
// atomically-incremented job id (internal/scheduler/scheduler.go in the
// teacher repository) but combined with a wall-clock timestamp so ids sort
// roughly by creation time even across process restarts within the same
// second.
var sequence atomic.Int64

// NewID generates a fresh, never-reused task id from a monotonic counter
// plus the current wall-clock timestamp.
func NewID() ID {
	n := sequence.Add(1)
	return ID(fmt.Sprintf("t-%d-%d", time.Now().UnixNano(), n))
}
