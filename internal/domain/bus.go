package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// QueueSubscriber is implemented by buses that can load-balance a topic
// across a named group of subscribers.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, tenantID string, topic string, queue string, handler MessageHandler) (Subscription, error)
}

// Standard topic names for the assignment pipeline.
// Buses add their own tenant-scoped prefix.
const (
	TopicAssignmentRequested = "assignment.requested"
	TopicAssignmentCompleted = "assignment.completed"
	TopicAccountFailed       = "account.failed"
	TopicCatalogUpdated      = "catalog.updated"
	TopicExclusionsUpdated   = "exclusions.updated"
)

// AssignmentRequest is the bus payload asking for an asynchronous run.
type AssignmentRequest struct {
	RunID    string     `json:"runId"`
	TenantID string     `json:"tenantId"`
	TraceID  string     `json:"traceId,omitempty"`
	Accounts []*Account `json:"accounts"`
}

// AccountFailed is the bus payload for one isolated account failure.
type AccountFailed struct {
	RunID    string         `json:"runId"`
	TenantID string         `json:"tenantId"`
	Failure  AccountFailure `json:"failure"`
}

// AssignmentCompleted is the bus payload announcing a finished run.
type AssignmentCompleted struct {
	RunID    string      `json:"runId"`
	TenantID string      `json:"tenantId"`
	Summary  RunSummary  `json:"summary"`
	Metadata RunMetadata `json:"metadata"`
}

// CatalogUpdated is the bus payload announcing a replaced channel catalog.
type CatalogUpdated struct {
	TenantID string `json:"tenantId"`
	Channels int    `json:"channels"`
	Banks    int    `json:"banks"`
}

// ExclusionsUpdated is the bus payload announcing a changed rule set.
type ExclusionsUpdated struct {
	TenantID string `json:"tenantId"`
	Rules    int    `json:"rules"`
}
