package domain

import "time"

// Tag describes one monitored data point. Tags come from the catalog at startup
// and are never mutated afterwards.
type Tag struct {
	Name        string        `json:"name"`
	NodeID      string        `json:"node_id"`
	Interval    time.Duration `json:"interval"`
	Description string        `json:"description,omitempty"`
}
