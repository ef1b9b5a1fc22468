package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveWithTimeout(t *testing.T, c *Client, timeout time.Duration) []byte {
	t.Helper()
	select {
	case f := <-c.send:
		return c.dequeued(f)
	case <-time.After(timeout):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestHubClientManagement(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	client1 := NewClient(nil, 4)
	client2 := NewClient(nil, 4)
	hub.Register(client1)
	hub.Register(client2)
	assert.Equal(t, 2, hub.ClientCount())
	assert.NotEqual(t, client1.ID(), client2.ID())

	got, ok := hub.Get(client1.ID())
	require.True(t, ok)
	assert.Same(t, client1, got)

	client2.setUser("alice")
	authed := hub.Authenticated()
	require.Len(t, authed, 1)
	assert.Same(t, client2, authed[0])

	assert.True(t, hub.Unregister(client1))
	assert.False(t, hub.Unregister(client1))
	assert.True(t, client1.IsClosed())
	assert.Equal(t, 1, hub.ClientCount())
}

func TestClientSendOverflowClosesClient(t *testing.T) {
	c := NewClient(nil, 2)

	c.Send([]byte("one"))
	c.Send([]byte("two"))
	assert.False(t, c.IsClosed())

	c.Send([]byte("three"))
	assert.True(t, c.IsClosed())

	assert.Equal(t, "one", string(receiveWithTimeout(t, c, 100*time.Millisecond)))

	// Sends after close are dropped.
	c.Send([]byte("four"))
	assert.Equal(t, "two", string(receiveWithTimeout(t, c, 100*time.Millisecond)))
	assert.Len(t, c.send, 0)
}

func TestClientSendWait(t *testing.T) {
	c := NewClient(nil, 1)
	require.True(t, c.SendWait(context.Background(), []byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, c.SendWait(ctx, []byte("b")))

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Close()
	}()
	assert.False(t, c.SendWait(context.Background(), []byte("c")))
}

func TestClientSubscriptions(t *testing.T) {
	c := NewClient(nil, 1)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())

	require.True(t, c.subscribe("task:1", cancel1))
	assert.False(t, c.subscribe("task:1", func() {}))
	require.True(t, c.subscribe("logs:1", cancel2))
	assert.Equal(t, 2, c.Subscriptions())

	assert.True(t, c.unsubscribe("task:1"))
	assert.Error(t, ctx1.Err())
	assert.False(t, c.unsubscribe("task:1"))

	// Closing cancels every remaining subscription at once.
	c.Close()
	assert.Error(t, ctx2.Err())
	assert.Equal(t, 0, c.Subscriptions())
	assert.False(t, c.subscribe("task:2", func() {}))
}
