package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfiniteChannelOrdering(t *testing.T) {
	ch := NewInfiniteChannel()
	for i := range 100 {
		ch.Push(i)
	}
	ch.Close()

	i := 0
	for v := range ch.Out() {
		require.Equal(t, i, v.(int))
		i++
	}
	assert.Equal(t, 100, i)
}

func TestInfiniteChannelClean(t *testing.T) {
	ch := NewInfiniteChannel()
	ch.Push("left behind")
	ch.Clean()

	_, ok := <-ch.Out()
	assert.False(t, ok)
}
