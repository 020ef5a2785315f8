package main

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
)

// record is one line of an import file.
type record struct {
	Code         string    `validate:"required,max=50,printascii"`
	Name         string    `validate:"required,max=200"`
	Type         string    `validate:"oneof=percentage fixed_amount"`
	Amount       decimal.Decimal
	ValidFrom    time.Time `validate:"required"`
	ValidTo      time.Time `validate:"required,gtfield=ValidFrom"`
	MinPurchase  decimal.Decimal
	MaxUsage     int  `validate:"gte=0"`
	UsagePerUser int  `validate:"gte=0"`
	Active       bool
	ProductIDs   []int64
	CategoryIDs  []int64
	TagIDs       []int64
	VariantIDs   []string `validate:"dive,uuid"`
}

// key is the case-insensitive identity of the code.
func (r *record) key() string {
	return strings.ToUpper(r.Code)
}

func (r *record) validate(v *validator.Validate) error {
	if err := v.Struct(r); err != nil {
		return err
	}
	if strings.ContainsAny(r.Code, " \t") {
		return errors.New("code contains whitespace")
	}
	if !r.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	if r.Type == string(discount.Percentage) && r.Amount.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("percentage above 100")
	}
	if r.MinPurchase.IsNegative() {
		return errors.New("negative minimum purchase")
	}
	return nil
}

func (r *record) discount() *discount.Discount {
	d := &discount.Discount{
		Name:              r.Name,
		Code:              r.Code,
		Type:              discount.Type(r.Type),
		Amount:            r.Amount,
		ValidFrom:         r.ValidFrom,
		ValidTo:           r.ValidTo,
		MinPurchaseAmount: r.MinPurchase,
		MaxUsage:          r.MaxUsage,
		UsagePerUser:      r.UsagePerUser,
		Active:            r.Active,
	}
	if len(r.ProductIDs)+len(r.CategoryIDs)+len(r.TagIDs)+len(r.VariantIDs) > 0 {
		d.Rules = []discount.Rule{{
			ProductIDs:  r.ProductIDs,
			CategoryIDs: r.CategoryIDs,
			TagIDs:      r.TagIDs,
			VariantIDs:  r.VariantIDs,
		}}
	}
	return d
}

// peekCode reads only the code of a line.
func peekCode(line []byte) (string, error) {
	var code string
	err := jx.DecodeBytes(line).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "code" {
			return d.Skip()
		}
		v, err := d.Str()
		code = v
		return err
	})
	return code, err
}

// parseRecord decodes a full line. Unset max_usage and usage_per_user default
// to 1000 and 1, active defaults to true.
func parseRecord(line []byte) (*record, error) {
	r := &record{MaxUsage: 1000, UsagePerUser: 1, Active: true}
	err := jx.DecodeBytes(line).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "code":
			r.Code, err = d.Str()
		case "name":
			r.Name, err = d.Str()
		case "type":
			r.Type, err = d.Str()
		case "amount":
			r.Amount, err = decodeDecimal(d)
		case "min_purchase_amount":
			r.MinPurchase, err = decodeDecimal(d)
		case "valid_from":
			r.ValidFrom, err = decodeTime(d)
		case "valid_to":
			r.ValidTo, err = decodeTime(d)
		case "max_usage":
			r.MaxUsage, err = d.Int()
		case "usage_per_user":
			r.UsagePerUser, err = d.Int()
		case "active":
			r.Active, err = d.Bool()
		case "product_ids":
			r.ProductIDs, err = decodeInts(d)
		case "category_ids":
			r.CategoryIDs, err = decodeInts(d)
		case "tag_ids":
			r.TagIDs, err = decodeInts(d)
		case "variant_ids":
			err = d.Arr(func(d *jx.Decoder) error {
				s, err := d.Str()
				r.VariantIDs = append(r.VariantIDs, s)
				return err
			})
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, string(key))
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.Errorf("unexpected %s", d.Next())
	}
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, s)
}

func decodeInts(d *jx.Decoder) ([]int64, error) {
	var out []int64
	err := d.Arr(func(d *jx.Decoder) error {
		v, err := d.Int64()
		out = append(out, v)
		return err
	})
	return out, err
}
