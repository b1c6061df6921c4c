package worker

// JobType distinguishes the work a pool worker is handed.
type JobType string

const (
	Stop   JobType = "stop"
	Task   JobType = "task"
	Stream JobType = "stream"
)

// Job is one unit of work. Key groups jobs into a FIFO lane; lanes are served round-robin.
type Job struct {
	Type JobType
	Key  string
	run  func()
}

// NewJob wraps fn as a job of the given type in lane key.
func NewJob(typ JobType, key string, fn func()) Job {
	return Job{Type: typ, Key: key, run: fn}
}
