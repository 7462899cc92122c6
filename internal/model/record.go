package model

import "time"

// Record is the provider-agnostic shape of one unit of provider output.
// A record with a non-empty Error is a per-unit failure inside a batch and is
// not charged.
type Record struct {
	Provider  string         `json:"provider"`
	Service   ServiceType    `json:"service"`
	Key       string         `json:"key"`
	Fields    map[string]any `json:"fields,omitempty"`
	Error     string         `json:"error,omitempty"`
	FetchedAt time.Time      `json:"fetched_at"`
}

func (r Record) OK() bool { return r.Error == "" }

// CountOK returns how many records carry a usable result.
func CountOK(records []Record) int64 {
	var n int64
	for _, r := range records {
		if r.OK() {
			n++
		}
	}
	return n
}
