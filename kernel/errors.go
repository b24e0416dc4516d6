package kernel

// Error is a kernel status code.
//
// Every kernel operation reports failure with one of these values; success
// is a nil error. The numeric values are stable within a build only.
type Error uint8

const (
	ErrDeleted Error = iota + 1
	ErrPool
	ErrPtr
	ErrWait
	ErrSize
	ErrGroup
	ErrNoEvents
	ErrOption
	ErrQueue
	ErrQueueEmpty
	ErrQueueFull
	ErrSemaphore
	ErrNoInstance
	ErrThread
	ErrPriority
	ErrNoMemory
	ErrStart
	ErrDelete
	ErrResume
	ErrCaller
	ErrSuspend
	ErrTimer
	ErrTick
	ErrActivate
	ErrThresh
	ErrSuspendLifted
	ErrWaitAborted
	ErrWaitAbort
	ErrMutex
	ErrNotAvailable
	ErrNotOwned
	ErrInherit
	ErrNotDone
	ErrCeilingExceeded
	ErrInvalidCeiling

	ErrFeatureNotEnabled Error = 0xFF
)

var errorNames = [...]string{
	ErrDeleted:         "deleted",
	ErrPool:            "pool error",
	ErrPtr:             "pointer error",
	ErrWait:            "wait error",
	ErrSize:            "size error",
	ErrGroup:           "group error",
	ErrNoEvents:        "no events",
	ErrOption:          "option error",
	ErrQueue:           "queue error",
	ErrQueueEmpty:      "queue empty",
	ErrQueueFull:       "queue full",
	ErrSemaphore:       "semaphore error",
	ErrNoInstance:      "no instance",
	ErrThread:          "thread error",
	ErrPriority:        "priority error",
	ErrNoMemory:        "no memory",
	ErrStart:           "start error",
	ErrDelete:          "delete error",
	ErrResume:          "resume error",
	ErrCaller:          "caller error",
	ErrSuspend:         "suspend error",
	ErrTimer:           "timer error",
	ErrTick:            "tick error",
	ErrActivate:        "activate error",
	ErrThresh:          "threshold error",
	ErrSuspendLifted:   "suspend lifted",
	ErrWaitAborted:     "wait aborted",
	ErrWaitAbort:       "wait abort error",
	ErrMutex:           "mutex error",
	ErrNotAvailable:    "not available",
	ErrNotOwned:        "not owned",
	ErrInherit:         "inherit error",
	ErrNotDone:         "not done",
	ErrCeilingExceeded: "ceiling exceeded",
	ErrInvalidCeiling:  "invalid ceiling",
}

func (e Error) Error() string { return "kernel: " + e.String() }

// String returns the status name without the package prefix.
func (e Error) String() string {
	if e == ErrFeatureNotEnabled {
		return "feature not enabled"
	}
	if int(e) < len(errorNames) && errorNames[e] != "" {
		return errorNames[e]
	}
	return "unknown error"
}
