package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub *Subscriber, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New(nil)
	defer bus.Close(time.Second)

	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Topic: "transfer", Key: "t1", Payload: 1})

	require.Len(t, collect(a, 1, time.Second), 1)
	require.Len(t, collect(b, 1, time.Second), 1)
}

func TestTerminalEventAlwaysDelivered(t *testing.T) {
	bus := New(nil)
	defer bus.Close(time.Second)

	sub := bus.Subscribe()

	for i := 0; i < 100; i++ {
		bus.Publish(Event{Topic: "transfer", Key: "t1", Payload: i})
	}
	bus.Publish(Event{Topic: "transfer", Key: "t1", Terminal: true, Payload: "done"})

	events := collect(sub, 101, 2*time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Terminal, "终态事件必须送达且在最后")
	assert.Equal(t, "done", last.Payload)
}

func TestIntermediateUpdatesCoalesce(t *testing.T) {
	bus := New(nil)
	defer bus.Close(time.Second)

	sub := bus.Subscribe()
	// 订阅者尚未消费时，同 key 的中间事件应合并
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 1000; i++ {
		bus.Publish(Event{Topic: "transfer", Key: "same", Payload: i})
	}
	bus.Publish(Event{Topic: "transfer", Key: "same", Terminal: true, Payload: "final"})

	events := collect(sub, 1001, 2*time.Second)
	assert.Less(t, len(events), 1001, "慢订阅者的中间事件应被合并")

	last := events[len(events)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, "final", last.Payload)
}

func TestSubscriberClose(t *testing.T) {
	bus := New(nil)
	defer bus.Close(time.Second)

	sub := bus.Subscribe()
	sub.Close()

	// 退订后通道最终关闭
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed")
		}
	}
}
