package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffered_TrySend(t *testing.T) {
	ch := NewBuffered[int](2)
	assert.True(t, ch.TrySend(1))
	assert.True(t, ch.TrySend(2))
	assert.False(t, ch.TrySend(3), "full buffer must not block")
	assert.Equal(t, 2, ch.Len())

	assert.Equal(t, 1, <-ch.Receive())
	assert.True(t, ch.TrySend(3))
}

func TestUnbuffered_TrySend(t *testing.T) {
	ch := NewUnbuffered[string]()
	assert.False(t, ch.TrySend("nobody listening"))

	got := make(chan string)
	go func() { got <- <-ch.Receive() }()

	require.Eventually(t, func() bool { return ch.TrySend("hello") }, time.Second, time.Millisecond)
	assert.Equal(t, "hello", <-got)
	assert.Zero(t, ch.Len())
}

func TestNew_ImplementsChannel(t *testing.T) {
	var c Channel[int] = New[int](4)
	c.Send(7)
	v, ok := <-c.Receive()
	require.True(t, ok)
	assert.Equal(t, 7, v)
	c.Close()
	_, ok = <-c.Receive()
	assert.False(t, ok)
}
