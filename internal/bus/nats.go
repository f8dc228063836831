package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var _ domain.QueueSubscriber = (*NATSBus)(nil)

// NATSBus is the pro tier bus. Subjects are kestrel.{tenant}.{topic} and
// every payload travels inside a JSON domain.Message envelope.
type NATSBus struct {
	mu   sync.Mutex
	conn *nats.Conn
	subs map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// withNATSDefaults fills unset connection settings.
func withNATSDefaults(cfg domain.EventBusConfig) domain.EventBusConfig {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	return cfg
}

func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 << 20),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// NewNATSBus connects to NATS, retrying up to NATSMaxReconnects times with
// NATSReconnectWait seconds between attempts.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	cfg = withNATSDefaults(cfg)
	opts := natsOptions(cfg)

	var (
		conn *nats.Conn
		err  error
	)
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		if conn, err = nats.Connect(cfg.NATSUrl, opts...); err == nil {
			break
		}
		slog.Warn("nats connect failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(time.Duration(cfg.NATSReconnectWait) * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to nats after %d attempts: %w", cfg.NATSMaxReconnects, err)
	}

	slog.Info("nats connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())
	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}, nil
}

// Publish sends payload to the tenant's topic subject.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errTenantRequired
	}
	data, err := envelope(tenantID, topic, payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(subjectFor(tenantID, topic), data)
}

// Subscribe delivers every message on the tenant's topic to handler.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, tenantID, topic, "", handler)
}

// QueueSubscribe joins a NATS queue group; each message reaches one member.
func (b *NATSBus) QueueSubscribe(ctx context.Context, tenantID string, topic string, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return b.subscribe(ctx, tenantID, topic, queue, handler)
}

func (b *NATSBus) subscribe(ctx context.Context, tenantID, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	cb := func(m *nats.Msg) {
		msg, err := openEnvelope(m)
		if err != nil {
			slog.Error("dropping malformed nats message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	subject := subjectFor(tenantID, topic)
	var (
		ns  *nats.Subscription
		err error
	)
	if queue == "" {
		ns, err = b.conn.Subscribe(subject, cb)
	} else {
		ns, err = b.conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	sub := &natsSubscription{id: uuid.New().String(), topic: topic, sub: ns, bus: b}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Request publishes payload and waits for one reply, bounded by the ctx
// deadline or requestTimeout.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}
	data, err := envelope(tenantID, topic, payload)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	reply, err := b.conn.RequestWithContext(ctx, subjectFor(tenantID, topic), data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", topic, err)
	}
	msg, err := openEnvelope(reply)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", topic, err)
	}
	return msg.Payload, nil
}

// Ping flushes the connection to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drops every subscription and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		_ = sub.sub.Unsubscribe()
		delete(b.subs, id)
	}
	b.conn.Close()
	return nil
}

// Stats returns connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func subjectFor(tenantID, topic string) string {
	return "kestrel." + tenantID + "." + topic
}

// envelope wraps payload in the JSON message shared by all subscribers.
func envelope(tenantID, topic string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(&domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{},
		Timestamp: time.Now().UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// openEnvelope decodes a NATS message and records its reply subject as
// the "reply_to" metadata entry, matching the channel bus.
func openEnvelope(m *nats.Msg) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if m.Reply != "" {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]string)
		}
		msg.Metadata["reply_to"] = m.Reply
	}
	return &msg, nil
}

// Unsubscribe stops delivery.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
