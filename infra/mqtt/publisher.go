package mqtt

import (
	"fmt"
	"sync"
	"time"

	coremqtt "github.com/kilianp07/fleetjobs/core/mqtt"
)

// Client mirrors the core mqtt.Client interface.
type Client = coremqtt.Client

// MockPublisher is a simple publisher used in tests.
type MockPublisher struct {
	Messages []coremqtt.Message
	// FailKinds makes Publish fail for messages of these kinds.
	FailKinds  map[string]bool
	AckResults map[string]bool
	mu         sync.Mutex
	seq        int
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		FailKinds:  make(map[string]bool),
		AckResults: make(map[string]bool),
	}
}

// Publish records the message or returns an error if configured to fail.
func (m *MockPublisher) Publish(msg coremqtt.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailKinds[msg.Kind] {
		return "", fmt.Errorf("publish failed")
	}
	m.seq++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", m.seq)
	}
	m.Messages = append(m.Messages, msg)
	m.AckResults[msg.ID] = true
	return msg.ID, nil
}

// WaitForAck simulates an immediate acknowledgment based on the stored result.
func (m *MockPublisher) WaitForAck(messageID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	ok, exists := m.AckResults[messageID]
	m.mu.Unlock()
	if !exists {
		return false, fmt.Errorf("%s: %w", messageID, coremqtt.ErrUnknownMessage)
	}
	return ok, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockPublisher) Sent() []coremqtt.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]coremqtt.Message(nil), m.Messages...)
}
