package channels

import (
	"github.com/eapache/channels"
)

// InfiniteChannel decouples the event dispatcher from slow watchers: Push
// never blocks, backpressure is traded for memory.
type InfiniteChannel struct {
	channels.InfiniteChannel
}

func NewInfiniteChannel() *InfiniteChannel {
	return &InfiniteChannel{
		InfiniteChannel: *channels.NewInfiniteChannel(),
	}
}

func (ch *InfiniteChannel) Push(m any) {
	ch.In() <- m
}

// Clean closes the channel and drains whatever the consumer never took.
func (ch *InfiniteChannel) Clean() {
	ch.Close()
	for range ch.Out() {
	}
}
