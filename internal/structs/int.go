package structs

import (
	"encoding/binary"
	"fmt"
	"math"
)

// intField is a fixed-width integer of 1, 2, 4 or 8 bytes.
type intField struct {
	name   string
	width  int
	signed bool
}

func (f *intField) Name() string { return f.name }
func (f *intField) Size() int    { return f.width }

func (f *intField) Create(_ *BuildContext, v any) (FieldValue, error) {
	raw, neg, err := integerBits(v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.name, err)
	}
	if err := f.checkRange(raw, neg); err != nil {
		return nil, fmt.Errorf("field %s: %w", f.name, err)
	}
	return &intValue{field: f, raw: raw}, nil
}

func (f *intField) Deserialize(ctx *DecodeContext) (FieldValue, error) {
	buf, err := ctx.Read(f.width)
	if err != nil {
		return nil, err
	}
	var raw uint64
	switch f.width {
	case 1:
		raw = uint64(buf[0])
	case 2:
		raw = uint64(ctx.order.Uint16(buf))
	case 4:
		raw = uint64(ctx.order.Uint32(buf))
	case 8:
		raw = ctx.order.Uint64(buf)
	}
	return &intValue{field: f, raw: raw}, nil
}

func (f *intField) checkRange(raw uint64, neg bool) error {
	bits := uint(f.width * 8)
	if !f.signed {
		if neg {
			return fmt.Errorf("negative value for unsigned %d-bit integer", bits)
		}
		if bits < 64 && raw>>bits != 0 {
			return fmt.Errorf("value %d overflows %d-bit integer", raw, bits)
		}
		return nil
	}
	if bits == 64 {
		if !neg && raw > math.MaxInt64 {
			return fmt.Errorf("value %d overflows signed 64-bit integer", raw)
		}
		return nil
	}
	n := int64(raw)
	lo, hi := -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
	if (!neg && raw > uint64(hi)) || n < lo || n > hi {
		return fmt.Errorf("value %d overflows signed %d-bit integer", n, bits)
	}
	return nil
}

type intValue struct {
	field *intField
	raw   uint64
}

func (v *intValue) Field() Field { return v.field }
func (v *intValue) Size() int    { return v.field.width }

func (v *intValue) Get() any {
	switch v.field.width {
	case 1:
		if v.field.signed {
			return int8(v.raw)
		}
		return uint8(v.raw)
	case 2:
		if v.field.signed {
			return int16(v.raw)
		}
		return uint16(v.raw)
	case 4:
		if v.field.signed {
			return int32(v.raw)
		}
		return uint32(v.raw)
	default:
		if v.field.signed {
			return int64(v.raw)
		}
		return v.raw
	}
}

func (v *intValue) Serialize(dst []byte, order binary.ByteOrder) {
	switch v.field.width {
	case 1:
		dst[0] = byte(v.raw)
	case 2:
		order.PutUint16(dst, uint16(v.raw))
	case 4:
		order.PutUint32(dst, uint32(v.raw))
	case 8:
		order.PutUint64(dst, v.raw)
	}
}

// integerBits returns the two's complement bits of any Go integer and
// whether it was negative. nil is zero.
func integerBits(v any) (uint64, bool, error) {
	switch n := v.(type) {
	case nil:
		return 0, false, nil
	case int:
		return uint64(n), n < 0, nil
	case int8:
		return uint64(n), n < 0, nil
	case int16:
		return uint64(n), n < 0, nil
	case int32:
		return uint64(n), n < 0, nil
	case int64:
		return uint64(n), n < 0, nil
	case uint:
		return uint64(n), false, nil
	case uint8:
		return uint64(n), false, nil
	case uint16:
		return uint64(n), false, nil
	case uint32:
		return uint64(n), false, nil
	case uint64:
		return n, false, nil
	case uintptr:
		return uint64(n), false, nil
	}
	return 0, false, fmt.Errorf("%T is not an integer", v)
}
