package shipment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Queue is a durable task queue. Pop blocks for at most timeout and returns
// a nil payload when nothing became ready. A popped payload stays reserved
// until Ack.
type Queue interface {
	Push(ctx context.Context, payload []byte) error
	PushAt(ctx context.Context, payload []byte, at time.Time) error
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	Ack(ctx context.Context, payload []byte) error
}

// Dispatcher enqueues parcel creation for paid orders.
type Dispatcher struct {
	queue Queue
	newID func() string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(q Queue) *Dispatcher {
	return &Dispatcher{queue: q, newID: uuid.NewString}
}

// EnqueueShipment schedules the first parcel creation attempt for an order.
func (d *Dispatcher) EnqueueShipment(ctx context.Context, orderID string) error {
	t := Task{ID: d.newID(), OrderID: orderID, Attempt: 1}
	if err := d.queue.Push(ctx, t.Encode()); err != nil {
		return errors.Wrap(err, "push shipment task")
	}
	return nil
}
