package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := New[string]()
	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish("hello")

	select {
	case v := <-ch1:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on ch1")
	}
	select {
	case v := <-ch2:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on ch2")
	}
}

func TestBusPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New[int]()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
	<-ch // drain one, proving channel is still usable
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New[int]()
	ch, unsub := b.Subscribe(1)
	unsub()
	b.Publish(1)
	_, ok := <-ch
	require.False(t, ok)
}
