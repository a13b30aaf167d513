package model

import "time"

// LogEntry is one application log line bound for the app_logs table.
type LogEntry struct {
	Date    time.Time
	Level   string
	Message string
	Fields  map[string]any
}
