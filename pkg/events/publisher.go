package events

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Publisher delivers envelopes to an external system. Implementations must
// be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// NopPublisher drops every envelope.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Envelope) error { return nil }

// FuncPublisher adapts a function to Publisher.
type FuncPublisher func(ctx context.Context, env Envelope) error

func (f FuncPublisher) Publish(ctx context.Context, env Envelope) error { return f(ctx, env) }

// ChannelPublisher sends envelopes on a channel, blocking until a receiver
// takes them or ctx is done.
type ChannelPublisher struct {
	ch chan Envelope
}

// NewChannelPublisher creates a publisher with the given channel buffer.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan Envelope, buffer)}
}

// C returns the receive side.
func (c *ChannelPublisher) C() <-chan Envelope { return c.ch }

func (c *ChannelPublisher) Publish(ctx context.Context, env Envelope) error {
	select {
	case c.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriterPublisher writes one JSON envelope per line.
type WriterPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPublisher writes JSON lines to w.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

func (p *WriterPublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(data)
	return err
}
