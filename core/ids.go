package core

// ids.go - correlation-id generation for log lines. The Block Listener
// tags each iteration's "processing blocks" log entry with one; the id is
// not attached to messages or events.

import "github.com/google/uuid"

// NewCorrelationID returns a fresh random (v4) correlation id for a log
// line.
func NewCorrelationID() string {
	return uuid.NewString()
}
