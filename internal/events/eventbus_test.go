package events

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestBus_PublishSubscribe tests delivery to typed and catch-all handlers
// TestBus_PublishSubscribe 测试向按类型和全量订阅者投递
func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	var blocked, all atomic.Int32

	bus.Subscribe(RuleBlocked, func(e Event) {
		assert.Equal(t, "10.0.0.5/32", e.Payload)
		blocked.Add(1)
	})
	bus.SubscribeAll(func(Event) { all.Add(1) })

	bus.Publish(New(RuleBlocked, "test", "10.0.0.5/32"))
	bus.Publish(New(RuleExpired, "test", nil))
	bus.Wait()

	assert.Equal(t, int32(1), blocked.Load())
	assert.Equal(t, int32(2), all.Load())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewSyncBus()
	var n int

	unsub := bus.Subscribe(RuleAllowed, func(Event) { n++ })
	unsubAll := bus.SubscribeAll(func(Event) { n += 10 })

	bus.Publish(New(RuleAllowed, "test", nil))
	assert.Equal(t, 11, n)

	unsub()
	unsubAll()
	bus.Publish(New(RuleAllowed, "test", nil))
	assert.Equal(t, 11, n)
}

// TestSyncBus_Inline tests that a synchronous bus runs handlers before Publish returns
// TestSyncBus_Inline 测试同步总线在 Publish 返回前执行处理函数
func TestSyncBus_Inline(t *testing.T) {
	bus := NewSyncBus()
	var seen []Type
	bus.SubscribeAll(func(e Event) { seen = append(seen, e.Type) })

	bus.Publish(New(RuleBlocked, "a", nil))
	bus.Publish(New(RuleAbandoned, "b", nil))

	assert.Equal(t, []Type{RuleBlocked, RuleAbandoned}, seen)
}
