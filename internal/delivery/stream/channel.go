package stream

import (
	"context"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/ledger"
)

// Channel is the stream delivery adapter. A successful append leaves the
// firing sent; the consumer's ack marks it delivered.
type Channel struct {
	queue Queue
}

var _ delivery.Channel = (*Channel)(nil)

func NewChannel(q Queue) *Channel {
	return &Channel{queue: q}
}

func (c *Channel) Name() channel.Channel { return channel.Stream }

func (c *Channel) Deliver(ctx context.Context, f ledger.Firing) (delivery.Result, error) {
	id, err := c.queue.Append(ctx, f.UserID, delivery.PayloadFor(f))
	if err != nil {
		return delivery.Result{}, &delivery.ErrTransient{Channel: channel.Stream, Err: err}
	}
	return delivery.Result{Status: ledger.StatusSent, Detail: "entry " + id}, nil
}
