package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func TestLocalPublishSubscribe(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	sub, err := bus.Subscribe("killswitch.trigger")
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, bus.Publish(context.Background(), "killswitch.trigger", []byte(`{"id":"1"}`)))

	msg := receive(t, sub)
	assert.Equal(t, "killswitch.trigger", msg.Topic)
	assert.JSONEq(t, `{"id":"1"}`, string(msg.Payload))
	assert.False(t, msg.SentAt.IsZero())
}

func TestLocalMultipleSubscribers(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	sub1, err := bus.Subscribe("killswitch.trigger")
	require.NoError(t, err)
	defer sub1.Cancel()
	sub2, err := bus.Subscribe("killswitch.trigger")
	require.NoError(t, err)
	defer sub2.Cancel()

	require.NoError(t, bus.Publish(context.Background(), "killswitch.trigger", []byte("x")))

	var wg sync.WaitGroup
	for _, s := range []*Subscription{sub1, sub2} {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			receive(t, s)
		}(s)
	}
	wg.Wait()
}

func TestLocalTopicFiltering(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	acks, err := bus.Subscribe("killswitch.ack")
	require.NoError(t, err)
	defer acks.Cancel()
	all, err := bus.Subscribe("killswitch.>")
	require.NoError(t, err)
	defer all.Cancel()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "killswitch.trigger", []byte("t")))
	require.NoError(t, bus.Publish(ctx, "killswitch.ack", []byte("a")))

	assert.Equal(t, "killswitch.trigger", receive(t, all).Topic)
	assert.Equal(t, "killswitch.ack", receive(t, all).Topic)

	msg := receive(t, acks)
	assert.Equal(t, "a", string(msg.Payload))
	select {
	case extra := <-acks.C:
		t.Fatalf("unexpected message on ack subscription: %s", extra.Topic)
	default:
	}
}

func TestLocalCancel(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	sub, err := bus.Subscribe("a")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount())

	sub.Cancel()
	sub.Cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed after cancel")

	require.NoError(t, bus.Publish(context.Background(), "a", nil))
}

func TestLocalClose(t *testing.T) {
	bus := NewLocal()

	sub, err := bus.Subscribe("a")
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, ok := <-sub.C
	assert.False(t, ok)

	assert.ErrorIs(t, bus.Publish(context.Background(), "a", nil), ErrClosed)
	assert.ErrorIs(t, bus.Ping(context.Background()), ErrClosed)
	_, err = bus.Subscribe("a")
	assert.ErrorIs(t, err, ErrClosed)

	// Cancel after close must not panic on the already-closed channel.
	sub.Cancel()
}

func TestLocalDropsWhenFull(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	sub, err := bus.Subscribe("a")
	require.NoError(t, err)
	defer sub.Cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, bus.Publish(context.Background(), "a", nil))
	}
	assert.Equal(t, int64(5), bus.Dropped())
}

func TestLocalPublishCopiesPayload(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	sub, err := bus.Subscribe("a")
	require.NoError(t, err)
	defer sub.Cancel()

	payload := []byte("abc")
	require.NoError(t, bus.Publish(context.Background(), "a", payload))
	payload[0] = 'z'

	assert.Equal(t, "abc", string(receive(t, sub).Payload))
}

func TestLocalPublishCancelledContext(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Publish(ctx, "a", nil), context.Canceled)
}

func TestLocalConcurrentPublish(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	sub, err := bus.Subscribe(">")
	require.NoError(t, err)
	defer sub.Cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = bus.Publish(context.Background(), "load", nil)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, sub.C, 50)
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"killswitch.trigger", "killswitch.trigger", true},
		{"killswitch.trigger", "killswitch.ack", false},
		{"killswitch.>", "killswitch.ack", true},
		{"killswitch.>", "killswitch", false},
		{"killswitch.>", "other.ack", false},
		{">", "anything.at.all", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestStubInjectsErrors(t *testing.T) {
	local := NewLocal()
	defer local.Close()
	stub := NewStub(local)

	sub, err := stub.Subscribe("a")
	require.NoError(t, err)
	defer sub.Cancel()

	boom := errors.New("boom")
	stub.SetPublishErr(boom)
	assert.ErrorIs(t, stub.Publish(context.Background(), "a", nil), boom)

	stub.SetPingErr(ErrUnavailable)
	assert.ErrorIs(t, stub.Ping(context.Background()), ErrUnavailable)

	stub.SetPublishErr(nil)
	stub.SetPingErr(nil)
	require.NoError(t, stub.Publish(context.Background(), "a", []byte("ok")))
	require.NoError(t, stub.Ping(context.Background()))
	assert.Equal(t, "ok", string(receive(t, sub).Payload))
	assert.Equal(t, 2, stub.PublishCalls())
}
