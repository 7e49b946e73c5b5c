package model

import "time"

// LogLevel classifies pipeline log entries.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogDebug LogLevel = "debug"
)

// LogEntry is one row in the bounded pipeline log.
type LogEntry struct {
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	Level       LogLevel       `json:"level"`
	ProcessorID string         `json:"processor_id"`
	Message     string         `json:"message"`
	Code        string         `json:"code,omitempty"`
	LccID       string         `json:"lcc_id,omitempty"`
	ItemID      string         `json:"item_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}
