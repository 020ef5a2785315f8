package shipment

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Task is a queued parcel creation for an order.
type Task struct {
	// ID makes every queued copy distinct so it can be acknowledged alone.
	ID      string
	OrderID string
	Attempt int
}

// Encode returns the JSON form of the task.
func (t Task) Encode() []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(t.ID)
	e.FieldStart("order_id")
	e.Str(t.OrderID)
	e.FieldStart("attempt")
	e.Int(t.Attempt)
	e.ObjEnd()
	return e.Bytes()
}

// DecodeTask parses a task encoded by Encode.
func DecodeTask(data []byte) (Task, error) {
	var t Task
	d := jx.DecodeBytes(data)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			t.ID, err = d.Str()
		case "order_id":
			t.OrderID, err = d.Str()
		case "attempt":
			t.Attempt, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		return Task{}, errors.Wrap(err, "decode shipment task")
	}
	if t.OrderID == "" {
		return Task{}, errors.New("decode shipment task: missing order_id")
	}
	if t.Attempt < 1 {
		t.Attempt = 1
	}
	return t, nil
}
