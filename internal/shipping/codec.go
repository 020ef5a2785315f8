package shipping

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/shipment"
)

func encodeParcel(req shipment.ParcelRequest) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("collection_type", func(e *jx.Encoder) { e.Str("pick_up") })
		e.Field("parcels", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("to", func(e *jx.Encoder) {
						e.Obj(func(e *jx.Encoder) {
							e.Field("contact", func(e *jx.Encoder) {
								e.Obj(func(e *jx.Encoder) {
									e.Field("name", func(e *jx.Encoder) { e.Str(req.Receiver.Name) })
									e.Field("mobile", func(e *jx.Encoder) { e.Str(req.Receiver.Phone) })
								})
							})
							e.Field("location", func(e *jx.Encoder) {
								e.Obj(func(e *jx.Encoder) {
									e.Field("address", func(e *jx.Encoder) { e.Str(req.Receiver.Address) })
									e.Field("city_code", func(e *jx.Encoder) { e.Int(req.Receiver.CityCode) })
									e.Field("postal_code", func(e *jx.Encoder) { e.Str(req.Receiver.PostalCode) })
								})
							})
						})
					})
					e.Field("parcel_items", func(e *jx.Encoder) {
						e.Arr(func(e *jx.Encoder) {
							for _, it := range req.Items {
								e.Obj(func(e *jx.Encoder) {
									e.Field("name", func(e *jx.Encoder) { e.Str(it.Name) })
									e.Field("count", func(e *jx.Encoder) { e.Int(it.Count) })
								})
							}
						})
					})
					e.Field("parcel_properties", func(e *jx.Encoder) {
						e.Obj(func(e *jx.Encoder) {
							e.Field("total_weight", func(e *jx.Encoder) { e.Int64(req.TotalWeight) })
							e.Field("total_value", func(e *jx.Encoder) { e.Int64(req.TotalValue) })
						})
					})
				})
			})
		})
	})
	return e.Bytes()
}

// decodeParcel reads the first parcel of {data:{orders:[{order_no, parcels:[{parcel_no}]}]}}.
func decodeParcel(raw []byte) (*shipment.Parcel, error) {
	var p shipment.Parcel
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "data" {
			return d.Skip()
		}
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) != "orders" {
				return d.Skip()
			}
			return d.Arr(func(d *jx.Decoder) error {
				if p.OrderNo != "" {
					return d.Skip()
				}
				return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					switch string(key) {
					case "order_no":
						v, err := scalar(d)
						p.OrderNo = v
						return err
					case "parcels":
						return d.Arr(func(d *jx.Decoder) error {
							if p.ParcelNo != "" {
								return d.Skip()
							}
							return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
								if string(key) != "parcel_no" {
									return d.Skip()
								}
								v, err := scalar(d)
								p.ParcelNo = v
								return err
							})
						})
					default:
						return d.Skip()
					}
				})
			})
		})
	})
	if err != nil {
		return nil, err
	}
	if p.ParcelNo == "" {
		return nil, errors.New("response has no parcel_no")
	}
	return &p, nil
}

// decodeTracking reads {data:[{status, description, date}]}. A data object
// holding an "events" array is accepted as well.
func decodeTracking(raw []byte) ([]shipment.TrackingEvent, error) {
	var events []shipment.TrackingEvent
	readEvents := func(d *jx.Decoder) error {
		return d.Arr(func(d *jx.Decoder) error {
			var ev shipment.TrackingEvent
			if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				var err error
				switch string(key) {
				case "status", "state":
					var s string
					s, err = scalar(d)
					ev.State = normalizeState(s)
				case "description":
					ev.Description, err = scalar(d)
				case "date", "time", "created_at":
					var s string
					if s, err = scalar(d); err == nil && s != "" {
						ev.Time, err = parseTime(s)
					}
				default:
					err = d.Skip()
				}
				return err
			}); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	}
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "data" {
			return d.Skip()
		}
		switch d.Next() {
		case jx.Array:
			return readEvents(d)
		case jx.Object:
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) != "events" {
					return d.Skip()
				}
				return readEvents(d)
			})
		default:
			return d.Skip()
		}
	})
	return events, err
}

var stateAliases = map[string]shipment.State{
	"created":          shipment.StateCreated,
	"registered":       shipment.StateCreated,
	"picked_up":        shipment.StatePickedUp,
	"collected":        shipment.StatePickedUp,
	"in_transit":       shipment.StateInTransit,
	"out_for_delivery": shipment.StateInTransit,
	"delivered":        shipment.StateDelivered,
	"returned":         shipment.StateReturned,
	"canceled":         shipment.StateCanceled,
	"cancelled":        shipment.StateCanceled,
}

func normalizeState(s string) shipment.State {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
	if st, ok := stateAliases[key]; ok {
		return st
	}
	return shipment.StateCreated
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("parse time %q", s)
}

// scalar reads a string or number as a string. Null reads as "".
func scalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.Null:
		return "", d.Null()
	default:
		return "", d.Skip()
	}
}
