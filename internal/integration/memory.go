package integration

import (
	"context"
	"sync"
)

// MemoryTransport is an in-process TransportFactory. Channels fan out every
// published message to all subscribers synchronously.
type MemoryTransport struct {
	mu       sync.Mutex
	channels map[string]*memoryChannel
}

// NewMemoryTransport builds an empty transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{channels: make(map[string]*memoryChannel)}
}

func (t *MemoryTransport) channel(id string) *memoryChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	if !ok {
		ch = &memoryChannel{}
		t.channels[id] = ch
	}
	return ch
}

// CreatePublisher implements TransportFactory.
func (t *MemoryTransport) CreatePublisher(channelID string) (Publisher, error) {
	return &memoryPublisher{channel: t.channel(channelID)}, nil
}

// CreateSubscriber implements TransportFactory.
func (t *MemoryTransport) CreateSubscriber(channelID string) (Subscriber, error) {
	return &memorySubscriber{channel: t.channel(channelID)}, nil
}

type memoryChannel struct {
	mu        sync.Mutex
	nextID    int
	callbacks map[int]func(ExternalMessage)
}

func (c *memoryChannel) publish(msg ExternalMessage) {
	c.mu.Lock()
	fns := make([]func(ExternalMessage), 0, len(c.callbacks))
	for _, fn := range c.callbacks {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (c *memoryChannel) subscribe(fn func(ExternalMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callbacks == nil {
		c.callbacks = make(map[int]func(ExternalMessage))
	}
	id := c.nextID
	c.nextID++
	c.callbacks[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.callbacks, id)
	}
}

type memoryPublisher struct {
	channel *memoryChannel
	mu      sync.Mutex
	closed  bool
}

func (p *memoryPublisher) Publish(_ context.Context, msg ExternalMessage) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	p.channel.publish(msg)
	return nil
}

func (p *memoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type memorySubscriber struct {
	channel *memoryChannel
	mu      sync.Mutex
	cancels []func()
}

func (s *memorySubscriber) Subscribe(fn func(ExternalMessage)) (func(), error) {
	cancel := s.channel.subscribe(fn)
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
	return cancel, nil
}

func (s *memorySubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	return nil
}
