package protocol

import (
	"context"
	"fmt"
	"sync"
)

// Pipe is the bidirectional message link between the orchestrator and one
// tenant worker. Delivery is ordered per direction; both ends exchange only
// Message values, which keeps the worker boundary process-shaped even though
// workers run as supervised goroutines.
type Pipe struct {
	toWorker   chan Message
	fromWorker chan Message

	mu     sync.Mutex
	closed bool
}

// NewPipe builds a pipe with the given buffer per direction.
func NewPipe(buffer int) *Pipe {
	if buffer <= 0 {
		buffer = 16
	}
	return &Pipe{
		toWorker:   make(chan Message, buffer),
		fromWorker: make(chan Message, buffer),
	}
}

// SendToWorker delivers a parent→child message.
func (p *Pipe) SendToWorker(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pipe closed")
	}
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.toWorker <- msg:
		return nil
	}
}

// SendToParent delivers a child→parent message.
func (p *Pipe) SendToParent(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pipe closed")
	}
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.fromWorker <- msg:
		return nil
	}
}

// WorkerInbox is the worker-side receive channel.
func (p *Pipe) WorkerInbox() <-chan Message {
	return p.toWorker
}

// ParentInbox is the orchestrator-side receive channel.
func (p *Pipe) ParentInbox() <-chan Message {
	return p.fromWorker
}

// Close marks the pipe closed for senders. Receivers drain what is buffered.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
