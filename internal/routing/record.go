package routing

import "context"

// Record maps a challenge key to the per-key queue that serves it.
type Record struct {
	Key             string `json:"key"`
	QueueIdentifier string `json:"queueIdentifier"`
	Active          bool   `json:"active"`
	DisplayName     string `json:"displayName"`
}

// Store is a point lookup by challenge key. A missing record is reported
// with found=false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (rec Record, found bool, err error)
}

// Forwardable reports whether messages for this record may be dispatched.
func (r Record) Forwardable() bool {
	return r.Active && r.QueueIdentifier != ""
}
