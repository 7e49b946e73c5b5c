package model

import "time"

// ProcessorError is the structured error captured on a run record when a
// processor's domain logic fails.
type ProcessorError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ProcessorEntry is the persisted bookkeeping row for one processor's
// most recent execution: one row per processor id, upserted each run.
// It is the pipeline's audit trail and the sole state processors use to
// decide "changed since last run".
type ProcessorEntry struct {
	ProcessorID    string          `json:"processor_id"`
	ProcessorClass string          `json:"processor_class"`
	LastStart      time.Time       `json:"last_start"`
	LastComplete   *time.Time      `json:"last_complete,omitempty"`
	Results        map[string]any  `json:"results,omitempty"`
	Error          *ProcessorError `json:"error,omitempty"`
}

// Failed reports whether the last run completed with a captured error.
func (e *ProcessorEntry) Failed() bool {
	return e.Error != nil
}

// TypeCounts is one project/product slice of ItemCounts.
type TypeCounts struct {
	Total     int `json:"total"`
	Ignored   int `json:"ignored"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
}

// ItemCounts accumulates per-tenant ingest statistics for a single run.
// Created fresh per Lcc per run and serialized into the run record's
// results; never persisted on its own.
type ItemCounts struct {
	LccID    string        `json:"lcc_id"`
	LccTitle string        `json:"lcc_title"`
	Pages    int           `json:"pages"`
	Projects TypeCounts    `json:"projects"`
	Products TypeCounts    `json:"products"`
	Started  time.Time     `json:"started"`
	Ended    time.Time     `json:"ended"`
	Duration time.Duration `json:"duration"`
}

// ForType returns the counter slice for the given item type.
func (c *ItemCounts) ForType(t ItemType) *TypeCounts {
	if t == ItemTypeProduct {
		return &c.Products
	}
	return &c.Projects
}

// Finish stamps the end time and duration.
func (c *ItemCounts) Finish(now time.Time) {
	c.Ended = now
	c.Duration = now.Sub(c.Started)
}
