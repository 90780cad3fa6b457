package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbox_SendReceive(t *testing.T) {
	ib := New[string](2, 10*time.Millisecond, nil, nil)

	require.True(t, ib.Send("a"))
	require.True(t, ib.Send("b"))
	assert.Equal(t, 2, ib.Len())

	msg, err := ib.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", msg)

	msg, ok := ib.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "b", msg)

	_, ok = ib.TryReceive()
	assert.False(t, ok)

	stats := ib.Stats()
	assert.Equal(t, int64(2), stats.TotalSent)
	assert.Equal(t, int64(2), stats.TotalReceived)
	assert.Equal(t, 2, stats.MaxDepthSeen)
	assert.Equal(t, 0, stats.CurrentDepth)
}

func TestInbox_SendTimeout(t *testing.T) {
	ib := New[int](1, 10*time.Millisecond, nil, nil)

	require.True(t, ib.Send(1))
	assert.False(t, ib.Send(2))
	assert.Equal(t, int64(1), ib.Stats().TimeoutCount)
}

func TestInbox_SendTimeoutUsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ib := New[int](1, time.Minute, clock, nil)

	// Room in the buffer never arms a timer
	require.True(t, ib.Send(1))

	done := make(chan bool, 1)
	go func() { done <- ib.Send(2) }()

	clock.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("send gave up before the fake clock advanced")
	default:
	}

	clock.Advance(time.Minute)
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send did not time out after advancing the clock")
	}
	assert.Equal(t, int64(1), ib.Stats().TimeoutCount)
}

func TestInbox_SendUnblocksOnReceive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ib := New[int](1, time.Minute, clock, nil)
	require.True(t, ib.Send(1))

	done := make(chan bool, 1)
	go func() { done <- ib.Send(2) }()
	clock.BlockUntil(1)

	msg, ok := ib.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 1, msg)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send stayed blocked after space was freed")
	}
	assert.Equal(t, int64(0), ib.Stats().TimeoutCount)
}

func TestInbox_ReceiveCancelled(t *testing.T) {
	ib := New[int](1, time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ib.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
