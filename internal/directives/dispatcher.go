// Package directives carries enforcement decisions from the engine to the
// transport collaborator. Emission is fire-and-forget: the ledgers record
// the decision before a directive is published, and an execution failure is
// logged without rolling any ledger state back.
package directives

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind enumerates the enforcement actions the engine can request.
type Kind string

const (
	// KindBan requests a permanent removal from the chat.
	KindBan Kind = "ban"
	// KindMute requests a time-bounded message restriction.
	KindMute Kind = "mute"
)

// Directive describes one enforcement action for the platform transport.
type Directive struct {
	Kind     Kind
	UserID   int64
	ChatID   int64
	Reason   string
	Duration time.Duration
	IssuedAt time.Time
	UnmuteAt time.Time
}

// Ban constructs a ban directive.
func Ban(userID, chatID int64, reason string, issuedAt time.Time) Directive {
	return Directive{Kind: KindBan, UserID: userID, ChatID: chatID, Reason: reason, IssuedAt: issuedAt}
}

// Mute constructs a mute directive.
func Mute(userID, chatID int64, duration time.Duration, unmuteAt, issuedAt time.Time) Directive {
	return Directive{
		Kind:     KindMute,
		UserID:   userID,
		ChatID:   chatID,
		Duration: duration,
		IssuedAt: issuedAt,
		UnmuteAt: unmuteAt,
	}
}

// Executor performs a directive against the chat platform. Implemented by
// the external transport collaborator.
type Executor interface {
	Execute(ctx context.Context, directive Directive) error
}

// Dispatcher buffers directives, forwards them to the executor, and fans
// them out to per-chat subscribers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*subscriber
	nextID      int64
	bufferSize  int

	queue  chan Directive
	logger *zap.Logger
}

type subscriber struct {
	id     int64
	stream chan Directive
}

// DispatcherConfig configures queue and subscriber buffer sizes.
type DispatcherConfig struct {
	QueueSize  int
	BufferSize int
	Logger     *zap.Logger
}

// NewDispatcher constructs a Dispatcher with sane defaults.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[int64]map[int64]*subscriber),
		bufferSize:  bufferSize,
		queue:       make(chan Directive, queueSize),
		logger:      logger,
	}
}

// Emit enqueues a directive without blocking the caller. When the queue is
// full the directive is dropped and logged; the ledger decision stands.
func (d *Dispatcher) Emit(directive Directive) {
	select {
	case d.queue <- directive:
	default:
		d.logger.Warn("directive queue full, dropping",
			zap.String("kind", string(directive.Kind)),
			zap.Int64("user_id", directive.UserID),
			zap.Int64("chat_id", directive.ChatID))
	}
	d.publish(directive)
}

// Run drains the queue into the executor until the context is cancelled.
// Execution failures are logged and never propagated.
func (d *Dispatcher) Run(ctx context.Context, executor Executor) {
	for {
		select {
		case <-ctx.Done():
			return
		case directive := <-d.queue:
			if executor == nil {
				continue
			}
			if err := executor.Execute(ctx, directive); err != nil {
				d.logger.Error("directive execution failed",
					zap.String("kind", string(directive.Kind)),
					zap.Int64("user_id", directive.UserID),
					zap.Int64("chat_id", directive.ChatID),
					zap.Error(err))
			}
		}
	}
}

// Subscribe returns a stream of directives for the given chat and a cleanup
// function. The subscription ends on cleanup or context cancellation,
// whichever comes first; slow subscribers miss directives rather than block
// the engine.
func (d *Dispatcher) Subscribe(ctx context.Context, chatID int64) (<-chan Directive, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Directive, d.bufferSize),
	}
	d.register(chatID, sub)

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(chatID, sub.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

func (d *Dispatcher) publish(directive Directive) {
	d.mu.RLock()
	chatSubscribers := d.subscribers[directive.ChatID]
	if len(chatSubscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(chatSubscribers))
	for _, sub := range chatSubscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- directive:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(chatID int64, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[chatID]; !ok {
		d.subscribers[chatID] = make(map[int64]*subscriber)
	}
	d.subscribers[chatID][sub.id] = sub
}

func (d *Dispatcher) unregister(chatID int64, subscriberID int64) {
	d.mu.Lock()
	chatSubscribers := d.subscribers[chatID]
	if chatSubscribers != nil {
		delete(chatSubscribers, subscriberID)
		if len(chatSubscribers) == 0 {
			delete(d.subscribers, chatID)
		}
	}
	d.mu.Unlock()
}
