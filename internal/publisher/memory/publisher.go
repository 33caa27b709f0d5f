// Package memory keeps published batch summaries in process. It backs the
// publisher when no Pub/Sub project is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pricescan/internal/pipeline"
)

// Publisher records every publish call.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage is one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload under topic and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("publish: topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of every publish in order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Summaries returns the batch summaries published to topic, oldest first.
// An empty topic matches every topic.
func (p *Publisher) Summaries(topic string) []pipeline.Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []pipeline.Summary
	for _, m := range p.messages {
		if topic != "" && m.Topic != topic {
			continue
		}
		switch s := m.Payload.(type) {
		case pipeline.Summary:
			out = append(out, s)
		case *pipeline.Summary:
			if s != nil {
				out = append(out, *s)
			}
		}
	}
	return out
}

// Last returns the most recent summary for batchID.
func (p *Publisher) Last(batchID string) (pipeline.Summary, bool) {
	summaries := p.Summaries("")
	for i := len(summaries) - 1; i >= 0; i-- {
		if summaries[i].BatchID == batchID {
			return summaries[i], true
		}
	}
	return pipeline.Summary{}, false
}
