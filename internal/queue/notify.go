package queue

import (
	"context"

	r "github.com/redis/go-redis/v9"
)

const wakeChannel = "provisioning:wake"

// Notifier nudges the worker daemon when new work arrives so it can run a
// pass before its next scheduled tick. Queue correctness never depends on
// it; the Postgres claim is the source of truth and a lost or absent
// notification only means waiting for the next poll.
type Notifier struct{ rdb *r.Client }

func NewNotifier(rdb *r.Client) *Notifier { return &Notifier{rdb} }

// Wake publishes a nudge. Errors are returned for logging only; callers
// must not fail the enqueue over a missed wake.
func (n *Notifier) Wake(ctx context.Context) error {
	if n == nil || n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, wakeChannel, "1").Err()
}

// Listen subscribes to wake nudges. The returned channel closes when ctx
// is cancelled.
func (n *Notifier) Listen(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	if n == nil || n.rdb == nil {
		close(out)
		return out
	}
	sub := n.rdb.Subscribe(ctx, wakeChannel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
