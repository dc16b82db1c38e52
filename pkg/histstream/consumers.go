package histstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ghalamif/histstream/internal/domain"
)

// ErrChannelConsumerClosed is returned when a channel consumer is exported to after being closed.
var ErrChannelConsumerClosed = errors.New("histstream: channel consumer closed")

// NewCallbackConsumer adapts a MessageBatchHandler into a full Consumer
// implementation so callers can plug arbitrary functions without defining structs.
func NewCallbackConsumer(name string, fn MessageBatchHandler) Consumer {
	if name == "" {
		name = "callback"
	}
	return &callbackConsumer{name: name, fn: fn}
}

// NewChannelConsumer exposes batches via a channel; it returns the consumer, the read-only channel,
// and a close function that the caller should invoke during shutdown. A batch
// is acknowledged once it has been received from the channel.
func NewChannelConsumer(name string, buffer int) (Consumer, <-chan []Message, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Message, buffer)
	c := &channelConsumer{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return c, ch, func() { c.close() }
}

type callbackConsumer struct {
	name string
	fn   MessageBatchHandler
}

func (c *callbackConsumer) Export(_ context.Context, batch []domain.BufferedMessage) error {
	if c.fn == nil {
		return fmt.Errorf("%w: callback consumer %q has no handler", domain.ErrRejected, c.name)
	}
	if len(batch) == 0 {
		return nil
	}
	return c.fn(convertBatch(batch))
}

func (c *callbackConsumer) Name() string { return c.name }

type channelConsumer struct {
	name   string
	ch     chan []Message
	closed chan struct{}
	mu     sync.RWMutex
	once   sync.Once
}

func (c *channelConsumer) Export(ctx context.Context, batch []domain.BufferedMessage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	select {
	case <-c.closed:
		return ErrChannelConsumerClosed
	default:
	}

	if len(batch) == 0 {
		return nil
	}

	msgs := convertBatch(batch)

	select {
	case <-c.closed:
		return ErrChannelConsumerClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.ch <- msgs:
		return nil
	}
}

func (c *channelConsumer) Name() string { return c.name }

func (c *channelConsumer) close() {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		close(c.ch)
		c.mu.Unlock()
	})
}
