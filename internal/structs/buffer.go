package structs

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrLengthExceeded is returned for a variable-length buffer larger than
// its WithMaxLength limit.
var ErrLengthExceeded = errors.New("length exceeds limit")

// fixedField is a buffer of exactly n bytes. Shorter values are padded with
// zero bytes.
type fixedField struct {
	name string
	n    int
	text bool
}

func (f *fixedField) Name() string { return f.name }
func (f *fixedField) Size() int    { return f.n }

func (f *fixedField) Create(_ *BuildContext, v any) (FieldValue, error) {
	data, err := bufferBytes(v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.name, err)
	}
	if len(data) > f.n {
		return nil, fmt.Errorf("field %s: %d bytes do not fit in %d", f.name, len(data), f.n)
	}
	return &bufferValue{field: f, data: data, size: f.n, text: f.text}, nil
}

func (f *fixedField) Deserialize(ctx *DecodeContext) (FieldValue, error) {
	data, err := ctx.Read(f.n)
	if err != nil {
		return nil, err
	}
	return &bufferValue{field: f, data: data, size: f.n, text: f.text}, nil
}

// varField is a buffer whose length is carried by a sibling field declared
// earlier in the same struct.
type varField struct {
	name        string
	lengthField string
	base        int
	text        bool
	max         int // 0 means unlimited
}

func (f *varField) Name() string { return f.name }
func (f *varField) Size() int    { return VariableSize }

func (f *varField) Create(ctx *BuildContext, v any) (FieldValue, error) {
	data, err := bufferBytes(v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.name, err)
	}
	if f.max > 0 && len(data) > f.max {
		return nil, fmt.Errorf("field %s: %w: %d > %d", f.name, ErrLengthExceeded, len(data), f.max)
	}
	ctx.DeriveLength(f.lengthField, len(data))
	return &bufferValue{field: f, data: data, size: len(data), text: f.text}, nil
}

func (f *varField) Deserialize(ctx *DecodeContext) (FieldValue, error) {
	lv, ok := ctx.Lookup(f.lengthField)
	if !ok {
		return nil, fmt.Errorf("length field %s not decoded", f.lengthField)
	}
	n, err := lengthOf(lv.Get(), f.base)
	if err != nil {
		return nil, err
	}
	if f.max > 0 && n > f.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrLengthExceeded, n, f.max)
	}
	data, err := ctx.Read(n)
	if err != nil {
		return nil, err
	}
	return &bufferValue{field: f, data: data, size: n, text: f.text}, nil
}

// encodeLength converts a measured buffer size into the representation the
// length field was declared with.
func (f *varField) encodeLength(lengthField Field, n int) (any, error) {
	switch lf := lengthField.(type) {
	case *intField:
		return uint64(n), nil
	case *fixedField:
		s := strconv.FormatUint(uint64(n), f.base)
		if len(s) > lf.n {
			return nil, fmt.Errorf("length %d does not fit in %d digits", n, lf.n)
		}
		return strings.Repeat("0", lf.n-len(s)) + s, nil
	}
	return nil, fmt.Errorf("field %s cannot carry a length", lengthField.Name())
}

type bufferValue struct {
	field Field
	data  []byte
	size  int
	text  bool
}

func (v *bufferValue) Field() Field { return v.field }
func (v *bufferValue) Size() int    { return v.size }

func (v *bufferValue) Get() any {
	if v.text {
		return string(v.data)
	}
	return v.data
}

func (v *bufferValue) Serialize(dst []byte, _ binary.ByteOrder) {
	n := copy(dst, v.data)
	clear(dst[n:v.size])
}

// bufferBytes materializes a buffer value. Values whose size cannot be known
// ahead of time (encoding.BinaryMarshaler) are marshaled first and measured
// afterwards.
func bufferBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case encoding.BinaryMarshaler:
		return b.MarshalBinary()
	}
	return nil, fmt.Errorf("%T is not a buffer", v)
}

// lengthOf interprets a decoded length field, numeric or numeric-string.
func lengthOf(v any, base int) (int, error) {
	if s, ok := v.(string); ok {
		s = strings.Trim(s, "\x00 ")
		n, err := strconv.ParseUint(s, base, 31)
		if err != nil {
			return 0, fmt.Errorf("invalid length %q: %w", s, err)
		}
		return int(n), nil
	}
	raw, neg, err := integerBits(v)
	if err != nil {
		return 0, err
	}
	if neg || raw > 1<<31-1 {
		return 0, fmt.Errorf("invalid length %d", int64(raw))
	}
	return int(raw), nil
}
