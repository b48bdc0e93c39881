package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishDeliversToMatchingPrefix(t *testing.T) {
	b := NewBus(10)
	sub := b.Subscribe("web.")
	defer b.Unsubscribe(sub)

	b.Publish("worker.spawn", map[string]interface{}{"pid": 1})
	b.Publish("web.start", map[string]interface{}{"pid": 2})

	select {
	case ev := <-sub.C():
		assert.Equal(t, "web.start", ev.Topic)
		assert.Equal(t, 2, ev.Payload["pid"])
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestBusEmptyPrefixMatchesEverything(t *testing.T) {
	b := NewBus(10)
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish("anything.at.all", nil)
	select {
	case ev := <-sub.C():
		assert.Equal(t, "anything.at.all", ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestBusDropsOnFullBuffer(t *testing.T) {
	b := NewBus(1)
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish("a", nil)
	b.Publish("b", nil) // buffer already full, must be dropped, not block

	assert.Equal(t, int64(1), sub.Dropped())
	<-sub.C()
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(10)
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

type fakeRelay struct {
	events []Event
}

func (f *fakeRelay) Relay(ev Event) { f.events = append(f.events, ev) }

func TestBusRelayReceivesEveryEvent(t *testing.T) {
	b := NewBus(10)
	relay := &fakeRelay{}
	b.AddRelay(relay)

	b.Publish("any.topic", map[string]interface{}{"x": 1})
	require.Len(t, relay.events, 1)
	assert.Equal(t, "any.topic", relay.events[0].Topic)
}

func TestBusSubscriberCount(t *testing.T) {
	b := NewBus(10)
	assert.Equal(t, 0, b.SubscriberCount())
	sub1 := b.Subscribe("a")
	sub2 := b.Subscribe("b")
	assert.Equal(t, 2, b.SubscriberCount())
	b.Unsubscribe(sub1)
	b.Unsubscribe(sub2)
	assert.Equal(t, 0, b.SubscriberCount())
}
