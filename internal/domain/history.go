// Package domain holds the persisted record types shared by the store and its writers.
package domain

import (
	"time"
)

// LogType categorizes one line of a persisted deliberation transcript.
type LogType string

const (
	// LogTypePhase marks the start of a deliberation phase.
	LogTypePhase LogType = "phase"
	// LogTypeEntry is one agent's output within a phase.
	LogTypeEntry LogType = "entry"
	// LogTypeFinalReport is the collective decision line.
	LogTypeFinalReport LogType = "final-report"
)

// LogRecord is one transcript line of a history entry.
type LogRecord struct {
	Type     LogType `json:"type"`
	Phase    string  `json:"phase,omitempty"`
	AgentID  int     `json:"agentId,omitempty"`
	Persona  string  `json:"persona,omitempty"`
	Decision string  `json:"decision,omitempty"`
	Content  string  `json:"content,omitempty"`
}

// HistoryEntry is an immutable record of one completed deliberation.
type HistoryEntry struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Topic     string      `json:"topic"`
	Result    string      `json:"result"`
	Logs      []LogRecord `json:"logs"`
}
