package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type lifecycle struct {
	kind string
}

func TestPublishInOrder(t *testing.T) {
	b := New[lifecycle]("test")

	var seen []string
	b.Subscribe(func(e lifecycle) { seen = append(seen, "first:"+e.kind) })
	b.Subscribe(func(e lifecycle) { seen = append(seen, "second:"+e.kind) })

	b.Publish(lifecycle{kind: "open"})

	assert.Equal(t, []string{"first:open", "second:open"}, seen)
}

func TestUnsubscribe(t *testing.T) {
	b := New[lifecycle]("test")

	calls := 0
	id := b.Subscribe(func(lifecycle) { calls++ })
	assert.Equal(t, 1, b.Count())

	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))

	b.Publish(lifecycle{kind: "close"})
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, b.Count())
}

func TestPanicIsolated(t *testing.T) {
	b := New[lifecycle]("test")

	reached := false
	b.Subscribe(func(lifecycle) { panic("boom") })
	b.Subscribe(func(lifecycle) { reached = true })

	assert.NotPanics(t, func() { b.Publish(lifecycle{kind: "fatal"}) })
	assert.True(t, reached)
}

func TestHandlerMayUnsubscribeDuringPublish(t *testing.T) {
	b := New[lifecycle]("test")

	var id SubscriptionID
	calls := 0
	id = b.Subscribe(func(lifecycle) {
		calls++
		b.Unsubscribe(id)
	})

	b.Publish(lifecycle{})
	b.Publish(lifecycle{})
	assert.Equal(t, 1, calls)
}
