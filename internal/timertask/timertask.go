// Package timertask runs a handler on a fixed interval until stopped,
// signaling completion through a donechan.Chan.
package timertask

import (
	"context"
	"time"

	"github.com/nodeq/qdisc/internal/donechan"
)

// Handler is invoked once at Start and then on every tick.
type Handler func(context.Context)

// Task is a restartable periodic loop. Start launches the loop; Stop
// cancels it and returns the channel that closes once the loop exits.
type Task struct {
	cancel context.CancelFunc
	done   donechan.Chan
}

func (t *Task) do(ctx context.Context, h Handler, interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	h(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h(ctx)
		}
	}
}

func (t *Task) Start(ctx context.Context, h Handler, interval time.Duration) {
	t.done = make(donechan.Chan)
	ctx, t.cancel = context.WithCancel(ctx)
	go t.do(ctx, h, interval)
}

func (t *Task) Stop() donechan.Chan {
	t.cancel()
	return t.done
}
