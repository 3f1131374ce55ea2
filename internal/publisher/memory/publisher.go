// Package memory keeps completion events in process. It stands in for Pub/Sub
// when no topic is configured and lets tests inspect what would be sent.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one recorded event. Data holds the payload exactly as the
// Pub/Sub publisher would encode it.
type Message struct {
	ID      string
	Event   string
	Payload any
	Data    []byte
}

// Publisher records events in memory.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload the same way the Pub/Sub publisher does and keeps
// the result. Payloads that cannot be encoded are rejected.
func (p *Publisher) Publish(_ context.Context, event string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Event: event, Payload: payload, Data: data})
	return id, nil
}

// Messages returns a copy of the recorded events, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
