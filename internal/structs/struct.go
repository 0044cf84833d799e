package structs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DecodeError reports a record that could not be deserialized, either
// because the source ended early or because a validator rejected it.
type DecodeError struct {
	Field string // empty for validator failures
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode: %v", e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Struct is a reusable record definition. Definitions are built once,
// usually as package-level variables, and are safe for concurrent use.
type Struct struct {
	order      binary.ByteOrder
	fields     []Field
	index      map[string]int
	validators []func(*Value) error
}

// New starts an empty definition using the given byte order.
func New(order binary.ByteOrder) *Struct {
	return &Struct{order: order, index: make(map[string]int)}
}

// LengthOption configures a variable-length field.
type LengthOption func(*varField)

// WithLengthBase sets the radix used when the length field is a numeric
// string. The default is 10.
func WithLengthBase(base int) LengthOption {
	return func(f *varField) { f.base = base }
}

// WithMaxLength rejects records whose length field exceeds n before any of
// the buffer is read, and values longer than n when serializing.
func WithMaxLength(n int) LengthOption {
	return func(f *varField) { f.max = n }
}

func (s *Struct) add(f Field) *Struct {
	if _, dup := s.index[f.Name()]; dup {
		panic("structs: duplicate field " + f.Name())
	}
	s.index[f.Name()] = len(s.fields)
	s.fields = append(s.fields, f)
	return s
}

func (s *Struct) Uint8(name string) *Struct  { return s.add(&intField{name: name, width: 1}) }
func (s *Struct) Uint16(name string) *Struct { return s.add(&intField{name: name, width: 2}) }
func (s *Struct) Uint32(name string) *Struct { return s.add(&intField{name: name, width: 4}) }
func (s *Struct) Uint64(name string) *Struct { return s.add(&intField{name: name, width: 8}) }
func (s *Struct) Int32(name string) *Struct {
	return s.add(&intField{name: name, width: 4, signed: true})
}
func (s *Struct) Int64(name string) *Struct {
	return s.add(&intField{name: name, width: 8, signed: true})
}

// Fixed adds a buffer of exactly n bytes.
func (s *Struct) Fixed(name string, n int) *Struct {
	return s.add(&fixedField{name: name, n: n})
}

// FixedString adds an n-byte text field. It can also carry the length of a
// later variable-length field as digits.
func (s *Struct) FixedString(name string, n int) *Struct {
	return s.add(&fixedField{name: name, n: n, text: true})
}

// Bytes adds a buffer whose length is stored in lengthField, which must be
// declared earlier as an integer or FixedString field.
func (s *Struct) Bytes(name, lengthField string, opts ...LengthOption) *Struct {
	return s.addVar(name, lengthField, false, opts)
}

// String is Bytes holding UTF-8 text.
func (s *Struct) String(name, lengthField string, opts ...LengthOption) *Struct {
	return s.addVar(name, lengthField, true, opts)
}

func (s *Struct) addVar(name, lengthField string, text bool, opts []LengthOption) *Struct {
	i, ok := s.index[lengthField]
	if !ok {
		panic("structs: length field " + lengthField + " must be declared before " + name)
	}
	switch lf := s.fields[i].(type) {
	case *intField:
	case *fixedField:
		if !lf.text {
			panic("structs: length field " + lengthField + " is not numeric")
		}
	default:
		panic("structs: length field " + lengthField + " is not numeric")
	}
	f := &varField{name: name, lengthField: lengthField, base: 10, text: text}
	for _, opt := range opts {
		opt(f)
	}
	return s.add(f)
}

// PostDeserialize adds a validator run after every successful decode. A
// validator error fails the decode.
func (s *Struct) PostDeserialize(fn func(*Value) error) *Struct {
	s.validators = append(s.validators, fn)
	return s
}

// Fields returns the field definitions in wire order.
func (s *Struct) Fields() []Field { return append([]Field(nil), s.fields...) }

// ByteOrder returns the definition's byte order.
func (s *Struct) ByteOrder() binary.ByteOrder { return s.order }

// Size is the serialized size, or VariableSize if any field is variable.
func (s *Struct) Size() int {
	total := 0
	for _, f := range s.fields {
		n := f.Size()
		if n == VariableSize {
			return VariableSize
		}
		total += n
	}
	return total
}

// Serialize encodes values in wire order. Missing keys serialize as zero.
// Length fields referenced by variable-length buffers are always written
// with the buffer's real size; whatever the caller put there is ignored.
func (s *Struct) Serialize(values map[string]any) ([]byte, error) {
	ctx := newBuildContext(s.order)

	fvs := make([]FieldValue, len(s.fields))
	for i, f := range s.fields {
		fv, err := f.Create(ctx, values[f.Name()])
		if err != nil {
			return nil, err
		}
		fvs[i] = fv
	}

	// Buffer sizes are known now; rebuild their length fields from them.
	for i, f := range s.fields {
		vf, ok := f.(*varField)
		if !ok {
			continue
		}
		n := fvs[i].Size()
		j := s.index[vf.lengthField]
		lv, err := vf.encodeLength(s.fields[j], n)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", vf.name, err)
		}
		if fvs[j], err = s.fields[j].Create(ctx, lv); err != nil {
			return nil, err
		}
	}

	size := 0
	for _, fv := range fvs {
		size += fv.Size()
	}
	out := make([]byte, size)
	off := 0
	for _, fv := range fvs {
		fv.Serialize(out[off:off+fv.Size()], s.order)
		off += fv.Size()
	}
	return out, nil
}

// Deserialize decodes one record from r.
func (s *Struct) Deserialize(r io.Reader) (*Value, error) {
	ctx := newDecodeContext(r, s.order)
	v := &Value{def: s, fields: make([]FieldValue, len(s.fields))}
	for i, f := range s.fields {
		fv, err := f.Deserialize(ctx)
		if err != nil {
			return nil, &DecodeError{Field: f.Name(), Err: err}
		}
		ctx.values[f.Name()] = fv
		v.fields[i] = fv
	}
	for _, validate := range s.validators {
		if err := validate(v); err != nil {
			return nil, &DecodeError{Err: err}
		}
	}
	return v, nil
}

// DeserializeBytes decodes a record from b. Trailing bytes are ignored.
func (s *Struct) DeserializeBytes(b []byte) (*Value, error) {
	return s.Deserialize(bytes.NewReader(b))
}

// Value is a decoded record.
type Value struct {
	def    *Struct
	fields []FieldValue
}

// Get returns the field's value, or nil for an unknown name.
func (v *Value) Get(name string) any {
	i, ok := v.def.index[name]
	if !ok {
		return nil
	}
	return v.fields[i].Get()
}

func (v *Value) Uint32(name string) uint32 { return uint32(v.Uint64(name)) }

func (v *Value) Uint64(name string) uint64 {
	raw, _, err := integerBits(v.Get(name))
	if err != nil {
		return 0
	}
	return raw
}

func (v *Value) Int64(name string) int64 { return int64(v.Uint64(name)) }

func (v *Value) Bytes(name string) []byte {
	switch b := v.Get(name).(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	return nil
}

func (v *Value) String(name string) string {
	switch b := v.Get(name).(type) {
	case string:
		return b
	case []byte:
		return string(b)
	}
	return ""
}

// Map returns all values keyed by field name.
func (v *Value) Map() map[string]any {
	m := make(map[string]any, len(v.fields))
	for i, f := range v.def.fields {
		m[f.Name()] = v.fields[i].Get()
	}
	return m
}

// IsEOF reports whether err is a decode failure caused by the source ending
// cleanly on a field boundary.
func IsEOF(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && errors.Is(de.Err, io.EOF)
}
