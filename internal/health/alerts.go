package health

import (
	"fmt"
	"time"
)

// Alert severities.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ActionEmergencyRollback tags the system alert raised when the rollback
// conditions hold. Detection only; nothing is rolled back automatically.
const ActionEmergencyRollback = "emergency_rollback"

// Alert is a single threshold violation observed during a monitor cycle.
type Alert struct {
	Severity  string    `json:"severity"`
	Subsystem string    `json:"subsystem"`
	QueueName string    `json:"queue_name,omitempty"`
	Message   string    `json:"message"`
	Threshold float64   `json:"threshold,omitempty"`
	Current   float64   `json:"current,omitempty"`
	Action    string    `json:"action,omitempty"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Thresholds are the tunable alert limits.
type Thresholds struct {
	BacklogWarning       int
	FailureRateWarning   float64
	AvgProcessingWarning time.Duration
	ConsumeRateFloor     float64
	FailuresPerHourLimit int
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BacklogWarning:       1000,
		FailureRateWarning:   0.10,
		AvgProcessingWarning: 60 * time.Second,
		ConsumeRateFloor:     10,
		FailuresPerHourLimit: 50,
	}
}

// QueueObservation is everything the evaluator needs about one queue for one
// cycle. Assembled by the monitor, consumed as a value so evaluation stays a
// pure computation.
type QueueObservation struct {
	QueueName       string
	Backlog         int
	Active          int
	Consumers       int
	Running         bool
	FailureRate     float64
	AvgProcessingMS float64
	ConsumedPerHour float64
}

// EvaluateQueue returns the alerts for one queue observation. An empty slice
// means the queue is healthy.
func EvaluateQueue(obs QueueObservation, limits Thresholds) []Alert {
	now := time.Now().UTC()
	var alerts []Alert

	if obs.Backlog > limits.BacklogWarning {
		alerts = append(alerts, Alert{
			Severity:  SeverityWarning,
			Subsystem: "queue",
			QueueName: obs.QueueName,
			Message:   fmt.Sprintf("backlog of %d exceeds %d", obs.Backlog, limits.BacklogWarning),
			Threshold: float64(limits.BacklogWarning),
			Current:   float64(obs.Backlog),
			RaisedAt:  now,
		})
	}

	if obs.Backlog > 0 && (obs.Consumers == 0 || !obs.Running) {
		alerts = append(alerts, Alert{
			Severity:  SeverityError,
			Subsystem: "queue",
			QueueName: obs.QueueName,
			Message:   fmt.Sprintf("%d waiting jobs with no active consumer", obs.Backlog),
			Current:   float64(obs.Backlog),
			RaisedAt:  now,
		})
	}

	if obs.FailureRate > limits.FailureRateWarning {
		alerts = append(alerts, Alert{
			Severity:  SeverityWarning,
			Subsystem: "queue",
			QueueName: obs.QueueName,
			Message:   fmt.Sprintf("failure rate %.1f%% exceeds %.1f%%", obs.FailureRate*100, limits.FailureRateWarning*100),
			Threshold: limits.FailureRateWarning,
			Current:   obs.FailureRate,
			RaisedAt:  now,
		})
	}

	if limitMS := float64(limits.AvgProcessingWarning.Milliseconds()); obs.AvgProcessingMS > limitMS {
		alerts = append(alerts, Alert{
			Severity:  SeverityWarning,
			Subsystem: "queue",
			QueueName: obs.QueueName,
			Message:   fmt.Sprintf("average processing time %.0fms exceeds %.0fms", obs.AvgProcessingMS, limitMS),
			Threshold: limitMS,
			Current:   obs.AvgProcessingMS,
			RaisedAt:  now,
		})
	}

	if obs.Backlog > 0 && obs.ConsumedPerHour < limits.ConsumeRateFloor {
		alerts = append(alerts, Alert{
			Severity:  SeverityWarning,
			Subsystem: "queue",
			QueueName: obs.QueueName,
			Message:   fmt.Sprintf("consume rate %.1f/h below %.1f/h with backlog", obs.ConsumedPerHour, limits.ConsumeRateFloor),
			Threshold: limits.ConsumeRateFloor,
			Current:   obs.ConsumedPerHour,
			RaisedAt:  now,
		})
	}

	return alerts
}

// EvaluateRollback decides whether the cycle's findings amount to a systemic
// failure. Returns the system alert to raise, or nil.
func EvaluateRollback(datastoreDown bool, alerts []Alert, failuresLastHour int, limits Thresholds) *Alert {
	errorCount := 0
	noConsumerCount := 0
	for _, a := range alerts {
		if a.Severity == SeverityError {
			errorCount++
			if a.Subsystem == "queue" {
				noConsumerCount++
			}
		}
	}

	var reason string
	switch {
	case datastoreDown:
		reason = "datastore probe failed"
	case errorCount >= 3:
		reason = fmt.Sprintf("%d error alerts in one cycle", errorCount)
	case noConsumerCount >= 2:
		reason = fmt.Sprintf("%d queues without consumers", noConsumerCount)
	case failuresLastHour > limits.FailuresPerHourLimit:
		reason = fmt.Sprintf("%d job failures in the last hour", failuresLastHour)
	default:
		return nil
	}

	return &Alert{
		Severity:  SeverityError,
		Subsystem: "system",
		Message:   "emergency rollback condition: " + reason,
		Action:    ActionEmergencyRollback,
		RaisedAt:  time.Now().UTC(),
	}
}
