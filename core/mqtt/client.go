// Package mqtt declares the downstream dispatch channel used to notify
// driver apps and batch consumers.
package mqtt

import (
	"errors"
	"time"
)

var (
	// ErrAckTimeout is returned when a driver app does not acknowledge a
	// message in time.
	ErrAckTimeout = errors.New("timeout waiting for ack")
	// ErrUnknownMessage is returned when waiting on an id that was never
	// published or was already acknowledged and collected.
	ErrUnknownMessage = errors.New("unknown message")
)

// Message kinds.
const (
	KindAssignment   = "assignment"
	KindUnassignment = "unassignment"
	KindQueue        = "queue"
	KindBatch        = "batch"
)

// Message is one dispatch notification. ID is filled by the client when
// empty and is echoed back in acknowledgments.
type Message struct {
	ID      string    `json:"message_id"`
	Kind    string    `json:"kind"`
	Driver  string    `json:"driver,omitempty"`
	BatchID string    `json:"batch_id,omitempty"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// Client publishes dispatch messages and tracks their acknowledgments.
type Client interface {
	// Publish sends msg and returns the message id used for acknowledgment.
	Publish(msg Message) (messageID string, err error)

	// WaitForAck waits for an acknowledgment of messageID or until the
	// timeout expires.
	WaitForAck(messageID string, timeout time.Duration) (bool, error)
}
