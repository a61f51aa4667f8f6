package events

// EventType identifies the kind of job-lifecycle or system event
// carried on the bus.
type EventType string

const (
	JobEnqueued  EventType = "JOB_ENQUEUED"
	JobStarted   EventType = "JOB_STARTED"
	JobProgress  EventType = "JOB_PROGRESS"
	JobCompleted EventType = "JOB_COMPLETED"
	JobDeferred  EventType = "JOB_DEFERRED"
	JobFailed    EventType = "JOB_FAILED"

	ClusterDetected     EventType = "CLUSTER_DETECTED"
	AIJudgmentReady     EventType = "AI_JUDGMENT_READY"
	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)
