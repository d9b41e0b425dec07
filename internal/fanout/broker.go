package fanout

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"telemetry-core/internal/observability/metrics"
)

const (
	defaultRetryCapacity = 1024
	retryBaseDelay       = 500 * time.Millisecond
	retryMaxDelay        = 30 * time.Second
)

// Publisher pushes event payloads to an external channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Broker publishes envelopes to Redis pub/sub channels. Failed
// publishes land in a bounded retry buffer that drops its oldest entry
// when full, so a broker outage can never exhaust memory.
type Broker struct {
	client Publisher
	logger *log.Logger

	mu      sync.Mutex
	pending []brokerMessage
	cap     int
	wake    chan struct{}
}

type brokerMessage struct {
	channel string
	payload []byte
}

// BrokerOption customizes the broker.
type BrokerOption func(*Broker)

// WithRetryCapacity bounds the retry buffer.
func WithRetryCapacity(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.cap = n
		}
	}
}

// NewBroker constructs a broker around a Redis client.
func NewBroker(client *redis.Client, logger *log.Logger, opts ...BrokerOption) *Broker {
	var pub Publisher
	if client != nil {
		pub = redisPublisher{client: client}
	}
	return newBroker(pub, logger, opts...)
}

func newBroker(pub Publisher, logger *log.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	b := &Broker{
		client: pub,
		logger: logger,
		cap:    defaultRetryCapacity,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type redisPublisher struct {
	client *redis.Client
}

func (p redisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Publish sends one payload, buffering it for retry on failure.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) {
	if b == nil || b.client == nil {
		return
	}
	if err := b.client.Publish(ctx, channel, payload); err != nil {
		b.buffer(brokerMessage{channel: channel, payload: payload})
		b.logger.Printf("fanout: broker publish failed, buffered: %v", err)
		return
	}
	metrics.IncFanoutDelivered("broker")
}

// Run drains the retry buffer with exponential backoff until the
// context ends. Messages that fail again go back to the front of the
// buffer in order.
func (b *Broker) Run(ctx context.Context) {
	if b == nil {
		return
	}
	delay := retryBaseDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		case <-time.After(delay):
		}

		msg, ok := b.next()
		if !ok {
			delay = retryBaseDelay
			continue
		}
		if err := b.client.Publish(ctx, msg.channel, msg.payload); err != nil {
			b.requeue(msg)
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			continue
		}
		metrics.IncFanoutDelivered("broker_retry")
		delay = retryBaseDelay
		b.wakeup()
	}
}

// Depth reports the current retry buffer size.
func (b *Broker) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) buffer(msg brokerMessage) {
	b.mu.Lock()
	if len(b.pending) >= b.cap {
		// Oldest entry gives way; losing a stale event beats losing
		// bounded memory.
		b.pending = b.pending[1:]
		metrics.IncFanoutDropped("retry_overflow")
	}
	b.pending = append(b.pending, msg)
	metrics.SetBrokerRetryDepth(len(b.pending))
	b.mu.Unlock()
	b.wakeup()
}

func (b *Broker) next() (brokerMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return brokerMessage{}, false
	}
	msg := b.pending[0]
	b.pending = b.pending[1:]
	metrics.SetBrokerRetryDepth(len(b.pending))
	return msg, true
}

func (b *Broker) requeue(msg brokerMessage) {
	b.mu.Lock()
	b.pending = append([]brokerMessage{msg}, b.pending...)
	if len(b.pending) > b.cap {
		b.pending = b.pending[:b.cap]
		metrics.IncFanoutDropped("retry_overflow")
	}
	metrics.SetBrokerRetryDepth(len(b.pending))
	b.mu.Unlock()
}

func (b *Broker) wakeup() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
