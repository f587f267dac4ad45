package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/ripple-publish/internal/models"
)

type EventType string

const (
	EventTaskCreated       EventType = "task.created"
	EventTaskRunning       EventType = "task.running"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskRetrying      EventType = "task.retrying"
	EventTaskFailed        EventType = "task.failed"
	EventTaskCancelled     EventType = "task.cancelled"
	EventTaskTimeout       EventType = "task.timeout"
	EventQuotaRejected     EventType = "task.quota_rejected"
	EventLateAdapterResult EventType = "task.late_result"
)

// Event describes one task state change, published after the change commits.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	TaskID     uint              `json:"task_id"`
	TenantID   string            `json:"tenant_id"`
	PlatformID string            `json:"platform_id"`
	BatchID    string            `json:"batch_id,omitempty"`
	Status     models.TaskStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	Message    string            `json:"message,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func NewTaskEvent(eventType EventType, task *models.PublishingTask, message string) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TaskID:     task.ID,
		TenantID:   task.TenantID,
		PlatformID: task.PlatformID,
		Status:     task.Status,
		RetryCount: task.RetryCount,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
	if task.BatchID != nil {
		e.BatchID = *task.BatchID
	}
	return e
}

type subscription struct {
	name string
	ch   chan Event
}

// EventBus fans task events out to subscribers over buffered channels.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[*subscription]struct{}
	bufferSize int
	dropped    atomic.Int64
	closed     bool
	logger     *zap.Logger
}

func NewEventBus(bufferSize int, logger *zap.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventBus{
		subs:       make(map[*subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe calls fn for every event on its own goroutine. A panicking
// subscriber is logged and keeps receiving. The returned func unsubscribes.
func (b *EventBus) Subscribe(name string, fn func(Event)) func() {
	ch, unsubscribe := b.SubscribeChan(name)
	go func() {
		for event := range ch {
			b.deliver(name, fn, event)
		}
	}()
	return unsubscribe
}

func (b *EventBus) deliver(name string, fn func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked",
				zap.String("subscriber", name),
				zap.Any("panic", r))
		}
	}()
	fn(event)
}

// SubscribeChan returns a channel of events, closed on unsubscribe or Close.
func (b *EventBus) SubscribeChan(name string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{name: name, ch: make(chan Event, b.bufferSize)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
}

func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Debug("Event dropped",
				zap.String("subscriber", sub.name),
				zap.String("type", string(event.Type)),
				zap.Uint("task_id", event.TaskID))
		}
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// LogSink writes every event to the structured log.
func LogSink(logger *zap.Logger) func(Event) {
	return func(e Event) {
		fields := []zap.Field{
			zap.String("event", string(e.Type)),
			zap.Uint("task_id", e.TaskID),
			zap.String("tenant_id", e.TenantID),
			zap.String("platform", e.PlatformID),
			zap.String("status", string(e.Status)),
			zap.Int("retry_count", e.RetryCount),
		}
		if e.BatchID != "" {
			fields = append(fields, zap.String("batch_id", e.BatchID))
		}
		if e.Message != "" {
			fields = append(fields, zap.String("message", e.Message))
		}

		switch e.Type {
		case EventTaskFailed, EventTaskTimeout, EventLateAdapterResult:
			logger.Warn("Task event", fields...)
		default:
			logger.Info("Task event", fields...)
		}
	}
}
