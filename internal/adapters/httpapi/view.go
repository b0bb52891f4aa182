package httpapi

import (
	"time"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
)

// tagView is the wire record for one tag. Value and timestamp are always
// present and null when unknown.
type tagView struct {
	Name       string        `json:"name"`
	NodeID     string        `json:"node_id"`
	Value      any           `json:"value"`
	StatusCode domain.Status `json:"status_code"`
	Timestamp  *time.Time    `json:"timestamp"`
	Seq        uint64        `json:"seq"`
	Error      string        `json:"error,omitempty"`
}

func view(r domain.Reading) tagView {
	v := tagView{
		Name:       r.Name,
		NodeID:     r.NodeID,
		Value:      r.Value,
		StatusCode: r.Status,
		Seq:        r.Seq,
		Error:      r.Error,
	}
	if !r.Timestamp.IsZero() {
		ts := r.Timestamp.UTC()
		v.Timestamp = &ts
	}
	return v
}

func views(rs []domain.Reading) []tagView {
	out := make([]tagView, 0, len(rs))
	for _, r := range rs {
		out = append(out, view(r))
	}
	return out
}
