// Package events provides the in-process event bus used to fan rule
// lifecycle changes out to persistence, metrics and logging.
// Package events 提供进程内事件总线，将规则生命周期变化分发给持久化、指标和日志。
package events

import (
	"sync"
	"time"
)

// Type defines the type of event.
type Type string

const (
	// RuleBlocked is published after a block rule became active at the backend.
	RuleBlocked Type = "rule_blocked"
	// RuleAllowed is published after a manual allow removed a block rule.
	RuleAllowed Type = "rule_allowed"
	// RuleExpired is published after a temporary rule was retracted on schedule.
	RuleExpired Type = "rule_expired"
	// RuleAbandoned is published when expiry retries were exhausted and the
	// rule was dropped locally while the backend may still hold it.
	RuleAbandoned Type = "rule_abandoned"
	// RulesImported is published once per reconcile with the result as payload.
	RulesImported Type = "rules_imported"
	// ProfileChanged is published after enable/disable of the firewall.
	ProfileChanged Type = "profile_changed"
)

// Event represents a system event.
type Event struct {
	Type      Type
	Source    string
	Payload   any
	Timestamp time.Time
}

// New creates a new event with the current timestamp.
func New(t Type, source string, payload any) Event {
	return Event{
		Type:      t,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Handler is a function that handles an event.
type Handler func(event Event)

// Publisher is the side of the bus the rule store depends on.
// Publisher 是规则存储所依赖的总线发布端。
type Publisher interface {
	Publish(event Event)
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a simple in-memory event bus.
// Handlers run on their own goroutine unless the bus is synchronous.
// Bus 是简单的内存事件总线。除非是同步总线，处理函数在各自的 goroutine 中执行。
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
	any      []subscription
	nextID   uint64
	inline   bool
	wg       sync.WaitGroup
}

// NewBus creates an asynchronous bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]subscription)}
}

// NewSyncBus creates a bus that runs handlers inline on the publisher's goroutine.
// NewSyncBus 创建在发布者 goroutine 上直接执行处理函数的总线。
func NewSyncBus() *Bus {
	b := NewBus()
	b.inline = true
	return b
}

// Subscribe registers a handler for one event type and returns a function
// that removes it again.
// Subscribe 为某个事件类型注册处理函数，并返回用于取消注册的函数。
func (b *Bus) Subscribe(t Type, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], subscription{id: id, handler: handler})
	return func() { b.remove(t, id) }
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.any = append(b.any, subscription{id: id, handler: handler})
	return func() { b.remove("", id) }
}

func (b *Bus) remove(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == "" {
		b.any = without(b.any, id)
		return
	}
	b.handlers[t] = without(b.handlers[t], id)
}

func without(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish publishes an event to all subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[event.Type])+len(b.any))
	for _, s := range b.handlers[event.Type] {
		targets = append(targets, s.handler)
	}
	for _, s := range b.any {
		targets = append(targets, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		if b.inline {
			h(event)
			continue
		}
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			h(event)
		}(h)
	}
}

// Wait blocks until every handler started by Publish has returned.
// Wait 阻塞直到 Publish 启动的所有处理函数返回。
func (b *Bus) Wait() {
	b.wg.Wait()
}
