// Package health provides worker health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// QueueHealth contains health metrics for a single queue.
type QueueHealth struct {
	Queue      string       `json:"queue"`
	Status     SystemStatus `json:"status"`
	Length     int64        `json:"length"`
	Pending    int64        `json:"pending"`
	DeadLetter int64        `json:"dead_letter"`
	Error      string       `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus           `json:"system_status"`
	Draining     bool                   `json:"draining"`
	Queues       map[string]QueueHealth `json:"queues"`
}
