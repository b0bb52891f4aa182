package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status classifies the health of a Reading.
type Status int

const (
	StatusUnknown Status = iota
	StatusGood
	StatusBad
	StatusStale
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "Good"
	case StatusBad:
		return "Bad"
	case StatusStale:
		return "Stale"
	default:
		return "Unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "good":
		*s = StatusGood
	case "bad":
		*s = StatusBad
	case "stale":
		*s = StatusStale
	case "unknown", "":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// DataValue is the outcome of a single successful read against the server.
type DataValue struct {
	Value           any
	Status          Status
	SourceTimestamp time.Time
}

// Reading is the latest known state of a tag. Readings are values: the store
// swaps whole Readings and never edits one in place.
type Reading struct {
	Name      string    `json:"name"`
	NodeID    string    `json:"node_id"`
	Value     any       `json:"value"`
	Status    Status    `json:"status_code"`
	Timestamp time.Time `json:"timestamp"`
	// Seq counts recorded poll results for the tag and only ever increases.
	Seq   uint64 `json:"seq"`
	Error string `json:"error,omitempty"`
}

// Placeholder returns the Unknown reading a tag carries until its first poll.
func Placeholder(t Tag) Reading {
	return Reading{
		Name:   t.Name,
		NodeID: t.NodeID,
		Status: StatusUnknown,
	}
}

// HasValue reports whether the reading carries a value worth retaining.
func (r Reading) HasValue() bool {
	return r.Value != nil
}
