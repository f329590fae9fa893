// Package bitfield packs and unpacks annotated struct fields into integers.
// Fields take part when they carry a `bitfield:",N"` tag; they are laid out
// from bit 0 upwards in declaration order.
package bitfield

import (
	"fmt"
	"reflect"

	"github.com/cockroachdb/errors"
)

// Config determines settings for packing.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	// Zero means 64.
	NumBits uint
}

func (c *Config) limit() uint {
	if c == nil || c.NumBits == 0 {
		return 64
	}
	return c.NumBits
}

// fieldWidth returns the bit width from a tag of the form ",N" or "name,N".
func fieldWidth(f reflect.StructField) (uint, bool, error) {
	tag, ok := f.Tag.Lookup("bitfield")
	if !ok || tag == "" {
		return 0, false, nil
	}
	var bits uint
	if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
		var name string
		if _, err := fmt.Sscanf(tag, "%s,%d", &name, &bits); err != nil {
			return 0, false, errors.Newf("bitfield: invalid tag %q on field %s", tag, f.Name)
		}
	}
	return bits, bits > 0, nil
}

func structValue(x interface{}) (reflect.Value, error) {
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, errors.Newf("bitfield: expected struct, got %v", v.Kind())
	}
	return v, nil
}

// Pack packs annotated bit ranges of struct x into an integer.
func Pack(x interface{}, c *Config) (uint64, error) {
	v, err := structValue(x)
	if err != nil {
		return 0, err
	}

	var packed uint64
	var offset uint
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		bits, ok, err := fieldWidth(t.Field(i))
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}

		fv := v.Field(i)
		var raw uint64
		switch fv.Kind() {
		case reflect.Bool:
			if fv.Bool() {
				raw = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			raw = fv.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if fv.Int() < 0 {
				return 0, errors.Newf("bitfield: negative value %d for field %s", fv.Int(), t.Field(i).Name)
			}
			raw = uint64(fv.Int())
		default:
			return 0, errors.Newf("bitfield: unsupported field type %v for field %s", fv.Kind(), t.Field(i).Name)
		}

		if bits < 64 && raw>>bits != 0 {
			return 0, errors.Newf("bitfield: value %d exceeds %d bits for field %s", raw, bits, t.Field(i).Name)
		}
		packed |= raw << offset
		offset += bits
	}

	if offset > c.limit() {
		return 0, errors.Newf("bitfield: total bits %d exceeds NumBits %d", offset, c.limit())
	}
	return packed, nil
}

// Unpack is the inverse of Pack. x must be a pointer to a struct.
func Unpack(packed uint64, x interface{}) error {
	if reflect.ValueOf(x).Kind() != reflect.Ptr {
		return errors.New("bitfield: Unpack needs a pointer")
	}
	v, err := structValue(x)
	if err != nil {
		return err
	}

	var offset uint
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		bits, ok, err := fieldWidth(t.Field(i))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		mask := ^uint64(0)
		if bits < 64 {
			mask = 1<<bits - 1
		}
		raw := (packed >> offset) & mask
		offset += bits

		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(raw != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			fv.SetUint(raw)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fv.SetInt(int64(raw))
		default:
			return errors.Newf("bitfield: unsupported field type %v for field %s", fv.Kind(), t.Field(i).Name)
		}
	}
	return nil
}
