package models

import (
	"time"
)

// Job status values persisted in Postgres. A job starts running and moves
// to exactly one terminal status.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// TerminalStatus reports whether s is a valid terminal job status.
func TerminalStatus(s string) bool {
	return s == StatusSuccess || s == StatusFailed
}

// Job represents one tracked run of an external automation process.
type Job struct {
	ID          string     `json:"id"`
	JobName     string     `json:"job_name"`
	Scope       string     `json:"scope"`
	TriggeredBy string     `json:"triggered_by"`
	Status      string     `json:"status"`
	Progress    float64    `json:"progress"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
}

// LogEntry is a single persisted log line for a job, returned oldest-first
// by the query API.
type LogEntry struct {
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// LogEvent is the live-broadcast shape of a freshly written log line.
type LogEvent struct {
	JobID   string    `json:"job_id"`
	Message string    `json:"message"`
	Level   string    `json:"level"`
	TS      time.Time `json:"ts"`
}

// ClampProgress bounds a reported progress percentage to [0,100].
// Reports outside the range are common when reporters estimate task counts.
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
