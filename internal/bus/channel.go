// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	errBusClosed      = errors.New("bus is closed")
	errTenantRequired = errors.New("tenantID is required")
)

// requestTimeout bounds Request when ctx carries no deadline.
const requestTimeout = 30 * time.Second

var (
	_ domain.EventBus        = (*ChannelBus)(nil)
	_ domain.QueueSubscriber = (*ChannelBus)(nil)
)

// ChannelBus is the in-process community tier bus. Every plain subscriber
// of a topic gets each message; a queue group gets it once, round robin.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	topics     map[topicKey]*topicSubscribers
	closed     bool

	dropped atomic.Int64
	seq     atomic.Uint64
}

type topicKey struct {
	tenantID string
	topic    string
}

type topicSubscribers struct {
	fanout []*channelSubscription
	groups map[string][]*channelSubscription
}

func (t *topicSubscribers) empty() bool {
	return len(t.fanout) == 0 && len(t.groups) == 0
}

type channelSubscription struct {
	key     topicKey
	queue   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
	once    sync.Once
}

// NewChannelBus creates a bus whose subscribers buffer bufferSize messages.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[topicKey]*topicSubscribers),
	}
}

// Publish delivers payload without blocking. A subscriber whose buffer is
// full misses the message and the drop is counted.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errTenantRequired
	}
	return b.publish(tenantID, topic, payload, map[string]string{})
}

func (b *ChannelBus) publish(tenantID, topic string, payload []byte, metadata map[string]string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errBusClosed
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UnixNano(),
	}

	subs, ok := b.topics[topicKey{tenantID, topic}]
	if !ok {
		return nil
	}
	for _, sub := range subs.fanout {
		b.offer(sub, msg)
	}
	for _, members := range subs.groups {
		n := b.seq.Add(1)
		b.offer(members[n%uint64(len(members))], msg)
	}
	return nil
}

func (b *ChannelBus) offer(sub *channelSubscription, msg *domain.Message) {
	select {
	case sub.msgCh <- msg:
	default:
		b.dropped.Add(1)
		slog.Warn("bus subscriber buffer full, message dropped",
			"tenant_id", msg.TenantID,
			"topic", msg.Topic,
			"queue", sub.queue,
			"message_id", msg.ID,
		)
	}
}

// Subscribe registers handler for every message on the tenant's topic.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, tenantID, topic, "", handler)
}

// QueueSubscribe joins the named queue group; each message reaches one
// member of the group.
func (b *ChannelBus) QueueSubscribe(ctx context.Context, tenantID string, topic string, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return b.subscribe(ctx, tenantID, topic, queue, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, tenantID, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		key:     topicKey{tenantID, topic},
		queue:   queue,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}

	subs, ok := b.topics[sub.key]
	if !ok {
		subs = &topicSubscribers{groups: make(map[string][]*channelSubscription)}
		b.topics[sub.key] = subs
	}
	if queue == "" {
		subs.fanout = append(subs.fanout, sub)
	} else {
		subs.groups[queue] = append(subs.groups[queue], sub)
	}

	go sub.run()
	return sub, nil
}

// run delivers messages until the subscription is cancelled.
func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", s.key.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request publishes payload with a "reply_to" topic in its metadata and
// waits for the first message published there.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	replyCh := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()

	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(_ context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.publish(tenantID, topic, payload, map[string]string{"reply_to": replyTopic}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", topic, ctx.Err())
	}
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close stops every subscription. Buffered messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.topics {
		for _, sub := range subs.fanout {
			sub.cancel()
		}
		for _, members := range subs.groups {
			for _, sub := range members {
				sub.cancel()
			}
		}
	}
	b.topics = make(map[topicKey]*topicSubscribers)
	return nil
}

// Stats returns the number of live subscriptions and dropped messages.
func (b *ChannelBus) Stats() (subscriptions int, dropped int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, subs := range b.topics {
		subscriptions += len(subs.fanout)
		for _, members := range subs.groups {
			subscriptions += len(members)
		}
	}
	return subscriptions, b.dropped.Load()
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[sub.key]
	if !ok {
		return
	}

	without := func(list []*channelSubscription) []*channelSubscription {
		return slices.DeleteFunc(list, func(s *channelSubscription) bool { return s == sub })
	}
	if sub.queue == "" {
		subs.fanout = without(subs.fanout)
	} else if members := without(subs.groups[sub.queue]); len(members) > 0 {
		subs.groups[sub.queue] = members
	} else {
		delete(subs.groups, sub.queue)
	}

	if subs.empty() {
		delete(b.topics, sub.key)
	}
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.remove(s)
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.key.topic
}
