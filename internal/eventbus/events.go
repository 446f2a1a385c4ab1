package eventbus

// Event types published by the dispatch engines.
const (
	JobStarted   = "job.started"
	JobFinished  = "job.finished"
	UndoStarted  = "undo.started"
	UndoFinished = "undo.finished"
)

// RunEvent is the Data payload of the job and undo events.
type RunEvent struct {
	RunID  string
	Class  string
	Origin string
	State  string
	Sent   int
	Failed int
}
