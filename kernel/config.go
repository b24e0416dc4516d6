package kernel

const (
	// TickHz is the nominal rate of the kernel tick.
	TickHz = 1000

	// MaxPriorities is the number of priority levels. Zero is the most urgent.
	MaxPriorities = 32

	// LowestPriority is the least urgent priority a thread may run at.
	LowestPriority = MaxPriorities - 1

	// DefaultPriority suits application threads with no particular
	// urgency.
	DefaultPriority = 16

	// TimerThreadPriority is the priority of the thread that runs
	// application timer callbacks.
	TimerThreadPriority = 0

	// MinStack is the smallest stack a thread may be created with.
	MinStack = 256

	// DefaultStack is used by ThreadConfig when no stack size is given.
	DefaultStack = 1024

	// WordSize is the size in bytes of one queue message word.
	WordSize = 4

	// MaxMessageWords bounds the size of a queue message.
	MaxMessageWords = 16

	// NoTimeSlice disables round-robin for a thread.
	NoTimeSlice Ticks = 0

	// DefaultTimeSlice is a typical round-robin quantum.
	DefaultTimeSlice Ticks = 20

	timerWheelSize = 32
	timerWheelMask = timerWheelSize - 1

	stackFill byte = 0xEF
)

// Logger receives kernel diagnostics. It matches hal.Logger so the board
// logger can be handed over directly.
type Logger interface {
	WriteLineString(s string)
}

// Config customises a Kernel.
type Config struct {
	// Log receives diagnostics such as thread panics. Nil discards them.
	Log Logger

	// StackError is called once per thread when its stack guard is found
	// clobbered. It runs with kernel scheduling held off and must not block.
	StackError func(ctx *Context, t *Thread)
}
