package broker

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Port = -1 // random free port

	b, err := New(cfg, zerolog.Nop())
	require.NoError(t, err, "Failed to start embedded broker")
	t.Cleanup(b.Shutdown)

	return b
}

func TestBroker_StartAndShutdown(t *testing.T) {
	b := newTestBroker(t)

	assert.Greater(t, b.Port(), 0)
	assert.Contains(t, b.Address(), "nats://")
	assert.GreaterOrEqual(t, b.NumClients(), 1, "internal connection should be counted")
}

func TestBroker_PublishSubscribeRoundTrip(t *testing.T) {
	b := newTestBroker(t)

	received := make(chan []byte, 1)
	sub, err := b.Subscribe("frames.w1.c1", func(msg *nats.Msg) {
		received <- msg.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	payload := []byte(`{"c":"c1","s":1}`)
	require.NoError(t, b.Publish("frames.w1.c1", payload))

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestBroker_PublishIfSubscribers_SkipsWhenIdle(t *testing.T) {
	b := newTestBroker(t)

	published, err := b.PublishIfSubscribers("frames.w1.c1", []byte("frame"))
	require.NoError(t, err)
	assert.False(t, published, "publish should be skipped with no subscribers")

	stats := b.Stats()
	assert.Equal(t, uint64(0), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped, "skipped publish counts as dropped")
}

func TestBroker_PublishIfSubscribers_PublishesWhenWatched(t *testing.T) {
	b := newTestBroker(t)

	received := make(chan struct{}, 1)
	sub, err := b.Subscribe("frames.w1.c1", func(msg *nats.Msg) {
		received <- struct{}{}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	published, err := b.PublishIfSubscribers("frames.w1.c1", []byte("frame"))
	require.NoError(t, err)
	assert.True(t, published)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBroker_QueueSubscribe_SingleDelivery(t *testing.T) {
	b := newTestBroker(t)

	received := make(chan string, 2)
	for _, name := range []string{"a", "b"} {
		name := name
		sub, err := b.QueueSubscribe("detections.w1.c1", "workers", func(msg *nats.Msg) {
			received <- name
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()
	}

	require.NoError(t, b.Publish("detections.w1.c1", []byte("event")))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	select {
	case extra := <-received:
		t.Fatalf("queue group delivered twice (second to %s)", extra)
	case <-time.After(200 * time.Millisecond):
	}
}
