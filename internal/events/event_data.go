package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface every typed event payload implements.
type EventData interface {
	EventType() EventType
}

// JobProgressInfo carries incremental progress for a long-running job
// (e.g. a clusters or AI-judge pass iterating over many subjects).
type JobProgressInfo struct {
	Current int                    `json:"current"`
	Total   int                    `json:"total"`
	Message string                 `json:"message,omitempty"`
	Phase   string                 `json:"phase,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// JobStatusData contains data for job lifecycle events. The event type
// is derived from Status rather than carried on the struct directly,
// since one handler shape covers the whole job lifecycle.
type JobStatusData struct {
	JobID       int64                  `json:"job_id"`
	JobType     string                 `json:"job_type"`
	DedupeKey   string                 `json:"dedupe_key,omitempty"`
	Status      string                 `json:"status"` // "enqueued", "started", "progress", "completed", "deferred", "failed"
	Progress    *JobProgressInfo       `json:"progress,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts,omitempty"`
	DurationMS  int64                  `json:"duration_ms,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// EventType returns the event type implied by Status.
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "enqueued":
		return JobEnqueued
	case "started":
		return JobStarted
	case "progress":
		return JobProgress
	case "completed":
		return JobCompleted
	case "deferred":
		return JobDeferred
	case "failed":
		return JobFailed
	default:
		return JobStarted
	}
}

// ClusterDetectedData announces a newly built or updated buy/sell
// cluster for a ticker.
type ClusterDetectedData struct {
	ClusterID      int64  `json:"cluster_id"`
	Ticker         string `json:"ticker"`
	Side           string `json:"side"`
	UniqueInsiders int    `json:"unique_insiders"`
	WindowDays     int    `json:"window_days"`
}

// EventType returns the event type for ClusterDetectedData.
func (d *ClusterDetectedData) EventType() EventType {
	return ClusterDetected
}

// AIJudgmentReadyData announces a persisted AI judgment for an event.
type AIJudgmentReadyData struct {
	IssuerCIK       string   `json:"issuer_cik"`
	AccessionNumber string   `json:"accession_number"`
	OwnerKey        string   `json:"owner_key"`
	BuyRating       *float64 `json:"buy_rating,omitempty"`
	SellRating      *float64 `json:"sell_rating,omitempty"`
}

// EventType returns the event type for AIJudgmentReadyData.
func (d *AIJudgmentReadyData) EventType() EventType {
	return AIJudgmentReady
}

// SystemStatusChangedData reports a coarse system health transition,
// e.g. the SEC gateway entering a backoff state.
type SystemStatusChangedData struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// EventType returns the event type for SystemStatusChangedData.
func (d *SystemStatusChangedData) EventType() EventType {
	return SystemStatusChanged
}

// ErrorEventData contains data for ErrorOccurred events.
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData.
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// EventWithData pairs a typed payload with its envelope fields for
// wire transmission.
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON flattens the typed Data payload into the data field.
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}
	return json.Marshal(aux)
}

// UnmarshalJSON reconstructs the typed Data payload based on Type.
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) == 0 {
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case JobEnqueued, JobStarted, JobProgress, JobCompleted, JobDeferred, JobFailed:
		eventData = &JobStatusData{}
	case ClusterDetected:
		eventData = &ClusterDetectedData{}
	case AIJudgmentReady:
		eventData = &AIJudgmentReadyData{}
	case SystemStatusChanged:
		eventData = &SystemStatusChangedData{}
	case ErrorOccurred:
		eventData = &ErrorEventData{}
	default:
		var rawData map[string]interface{}
		if err := json.Unmarshal(aux.Data, &rawData); err != nil {
			return err
		}
		e.Data = &GenericEventData{Type: aux.Type, Data: rawData}
		return nil
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}

// GenericEventData is a fallback for event types with no registered
// struct, preserving the raw payload as a map.
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData.
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON serializes only the underlying data map.
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON populates the underlying data map.
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
