// Package memory contains an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Published captures one publish call.
type Published struct {
	Topic   string
	Payload any
}

// Publisher records published payloads for inspection. A PublishErr, when
// set, is returned from every Publish call.
type Publisher struct {
	mu       sync.RWMutex
	messages []Published

	PublishErr error
}

// New returns an empty memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if p.PublishErr != nil {
		return "", p.PublishErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Published{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Published {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Published, len(p.messages))
	copy(out, p.messages)
	return out
}

// ByTopic returns recorded publishes for one topic.
func (p *Publisher) ByTopic(topic string) []Published {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Published
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
