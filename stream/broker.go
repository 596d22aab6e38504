package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/ext"
	"github.com/loomworks/loom/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Broker)(nil)
	_ ext.InstanceSubmitted  = (*Broker)(nil)
	_ ext.InstanceStarted    = (*Broker)(nil)
	_ ext.InstanceSuspended  = (*Broker)(nil)
	_ ext.InstanceCompleted  = (*Broker)(nil)
	_ ext.InstanceFailed     = (*Broker)(nil)
	_ ext.InstanceTerminated = (*Broker)(nil)
	_ ext.InstancePaused     = (*Broker)(nil)
	_ ext.InstanceResumed    = (*Broker)(nil)
	_ ext.StepSucceeded      = (*Broker)(nil)
	_ ext.StepFailed         = (*Broker)(nil)
	_ ext.StepRetrying       = (*Broker)(nil)
	_ ext.EventDelivered     = (*Broker)(nil)
	_ ext.Shutdown           = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext.Extension
// interface to receive lifecycle events and fans them out to subscribers
// via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., the API layer).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// publish creates an event and broadcasts it to all matching topics.
func (b *Broker) publish(evt *Event, workflowType string) {
	topics := resolveTopics(evt, workflowType)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ── Instance lifecycle hooks ────────────────────────

func (b *Broker) OnInstanceSubmitted(_ context.Context, inst *workflow.Instance) error {
	b.publish(&Event{
		Type:      EventInstanceSubmitted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			Status:       string(inst.DisplayStatus()),
		}),
	}, inst.Type)
	return nil
}

func (b *Broker) OnInstanceStarted(_ context.Context, inst *workflow.Instance) error {
	b.publish(&Event{
		Type:      EventInstanceStarted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			Status:       string(inst.DisplayStatus()),
		}),
	}, inst.Type)
	return nil
}

func (b *Broker) OnInstanceSuspended(_ context.Context, inst *workflow.Instance, reason workflow.SuspendReason) error {
	data := InstanceEventData{
		InstanceID:   inst.ID.String(),
		WorkflowType: inst.Type,
		Status:       string(inst.DisplayStatus()),
		Reason:       string(reason),
	}
	if due := inst.DueAt(); due != nil {
		data.ResumeAt = due.Format(time.RFC3339)
	}
	b.publish(&Event{
		Type:      EventInstanceSuspended,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data:      mustMarshal(data),
	}, inst.Type)
	return nil
}

func (b *Broker) OnInstanceCompleted(_ context.Context, inst *workflow.Instance, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventInstanceCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			Status:       string(inst.Status),
			ElapsedMs:    elapsed.Milliseconds(),
		}),
	}, inst.Type)
	return nil
}

func (b *Broker) OnInstanceFailed(_ context.Context, inst *workflow.Instance, instErr error) error {
	b.publish(&Event{
		Type:      EventInstanceFailed,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			Status:       string(inst.Status),
			Error:        instErr.Error(),
		}),
	}, inst.Type)
	return nil
}

func (b *Broker) OnInstanceTerminated(_ context.Context, inst *workflow.Instance, reason string) error {
	b.publish(&Event{
		Type:      EventInstanceTerminated,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			Status:       string(inst.Status),
			Reason:       reason,
		}),
	}, inst.Type)
	return nil
}

func (b *Broker) OnInstancePaused(_ context.Context, inst *workflow.Instance) error {
	b.publish(&Event{
		Type:      EventInstancePaused,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			Status:       string(inst.DisplayStatus()),
		}),
	}, inst.Type)
	return nil
}

func (b *Broker) OnInstanceResumed(_ context.Context, inst *workflow.Instance) error {
	b.publish(&Event{
		Type:      EventInstanceResumed,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			Status:       string(inst.DisplayStatus()),
		}),
	}, inst.Type)
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

func (b *Broker) OnStepSucceeded(_ context.Context, inst *workflow.Instance, stepName string, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventStepSucceeded,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			StepName:     stepName,
			ElapsedMs:    elapsed.Milliseconds(),
		}),
	}, inst.Type)
	return nil
}

func (b *Broker) OnStepFailed(_ context.Context, inst *workflow.Instance, stepName string, stepErr error) error {
	b.publish(&Event{
		Type:      EventStepFailed,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			StepName:     stepName,
			Error:        stepErr.Error(),
		}),
	}, inst.Type)
	return nil
}

func (b *Broker) OnStepRetrying(_ context.Context, inst *workflow.Instance, stepName string, attempt int, resumeAt time.Time) error {
	b.publish(&Event{
		Type:      EventStepRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(inst.ID.String()),
		Data: mustMarshal(InstanceEventData{
			InstanceID:   inst.ID.String(),
			WorkflowType: inst.Type,
			StepName:     stepName,
			Attempt:      attempt,
			ResumeAt:     resumeAt.Format(time.RFC3339),
		}),
	}, inst.Type)
	return nil
}

// ── External event delivery ─────────────────────────

func (b *Broker) OnEventDelivered(_ context.Context, evt *event.Event) error {
	b.publish(&Event{
		Type:      EventDelivered,
		Timestamp: time.Now().UTC(),
		Topic:     InstanceTopic(evt.InstanceID.String()),
		Data: mustMarshal(DeliveryEventData{
			EventID:    evt.ID.String(),
			InstanceID: evt.InstanceID.String(),
			Name:       evt.Name,
		}),
	}, "")
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
