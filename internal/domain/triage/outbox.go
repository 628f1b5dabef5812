package triage

import (
	"context"

	"github.com/sintonia/sintonia/internal/platform/notification"
)

// Notifier delivers notifications without blocking or failing the caller.
type Notifier interface {
	Notify(ctx context.Context, n notification.Notification)
}

type outboxKey struct{}

// outbox collects notifications raised inside a unit of work so they can be
// sent only after it commits.
type outbox struct {
	pending []notification.Notification
}

func outboxFrom(ctx context.Context) *outbox {
	box, _ := ctx.Value(outboxKey{}).(*outbox)
	return box
}

// enqueue records n on the outbox in ctx. Outside a unit of work it is dropped.
func enqueue(ctx context.Context, n notification.Notification) {
	if box := outboxFrom(ctx); box != nil {
		box.pending = append(box.pending, n)
	}
}

// unitOfWork runs fn in a transaction and flushes notifications raised by fn
// after commit. Nested calls join the outer unit and leave flushing to it.
type unitOfWork struct {
	tx       Transactor
	notifier Notifier
}

func (u *unitOfWork) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if outboxFrom(ctx) != nil {
		return u.tx.InTx(ctx, fn)
	}
	box := &outbox{}
	if err := u.tx.InTx(context.WithValue(ctx, outboxKey{}, box), fn); err != nil {
		return err
	}
	for _, n := range box.pending {
		u.notifier.Notify(ctx, n)
	}
	return nil
}
