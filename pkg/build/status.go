package build

// Status describes one build invocation's lifecycle:
// idle -> running -> {succeeded, failed, cancelled}
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

// String returns the string representation of a build status
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result reports one finished build invocation. A failed external build is a
// result, not an error: the orchestrator only errors on precondition
// failures.
type Result struct {
	// Status is the terminal state of the invocation.
	Status Status

	// ExitCode is the subprocess exit code; meaningless unless Exited.
	ExitCode int

	// Exited reports whether an exit code was observed at all. A cancelled
	// and killed subprocess may not produce one.
	Exited bool

	// OutputDir is the stable per-board artifact directory.
	OutputDir string

	// Log is the full accumulated build output.
	Log []byte
}
