package schema

import "time"

// OperationType classifies a synchronization attempt.
type OperationType string

const (
	OperationCreated OperationType = "CREATED"
	OperationUpdated OperationType = "UPDATED"
	OperationDeleted OperationType = "DELETED"
	OperationSynced  OperationType = "SYNCED"
	OperationFailed  OperationType = "FAILED"
	OperationRetried OperationType = "RETRIED"
)

// Status reflects the final outcome of a single synchronization attempt.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPending Status = "PENDING"
)

// OperationLog is the audit record of one synchronization attempt. ID and
// Timestamp are assigned once by the history service and never change.
type OperationLog struct {
	ID             string         `json:"id"`
	EventID        string         `json:"eventId"`
	EventType      string         `json:"eventType"`
	Operation      OperationType  `json:"operationType"`
	SourceService  string         `json:"sourceService"`
	TargetServices []string       `json:"targetServices"`
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId"`
	Status         Status         `json:"status"`
	DurationMillis int64          `json:"duration"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	RetryCount     int            `json:"retryCount"`
	Timestamp      time.Time      `json:"timestamp"`
	UserID         string         `json:"userId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// OperationStats is the derived aggregate view over the audit trail.
type OperationStats struct {
	Total             int64                   `json:"total"`
	Succeeded         int64                   `json:"succeeded"`
	Failed            int64                   `json:"failed"`
	Pending           int64                   `json:"pending"`
	AvgDurationMillis float64                 `json:"avgDuration"`
	ByOperation       map[OperationType]int64 `json:"byOperationType"`
	ByStatus          map[Status]int64        `json:"byStatus"`
	FailureRate       float64                 `json:"failureRate"`
	LastOperationAt   time.Time               `json:"lastOperationAt"`
	UptimeSeconds     float64                 `json:"uptimeSeconds"`
}

// NewOperationStats returns a stats value with allocated breakdown maps.
func NewOperationStats() OperationStats {
	return OperationStats{
		ByOperation: make(map[OperationType]int64),
		ByStatus:    make(map[Status]int64),
	}
}
