// Package structs describes binary record layouts declaratively and
// serializes or deserializes them against byte streams.
//
// A Struct is an ordered list of fields. Every field knows its own
// serialized size (fixed, or VariableSize when it depends on a sibling
// length field) and how to read and write its value. Length-prefixed
// records stay self-consistent: when a variable-length buffer is
// serialized, the value of the length field it references is always
// derived from the buffer's real size.
package structs

import (
	"bytes"
	"encoding/binary"
	"io"
)

// VariableSize is returned by Size when the serialized size is only known
// after inspecting the value (or, when decoding, a sibling length field).
const VariableSize = -1

// Field is the definition of one member of a Struct.
//
// The set of implementations is closed: fixed-width integers, fixed-length
// buffers and variable-length buffers.
type Field interface {
	// Name is the key the value is stored under.
	Name() string

	// Size is the declared serialized size, or VariableSize.
	Size() int

	// Create binds v to this definition for serialization.
	Create(ctx *BuildContext, v any) (FieldValue, error)

	// Deserialize reads one value from ctx.
	Deserialize(ctx *DecodeContext) (FieldValue, error)
}

// FieldValue is a Field bound to a concrete value.
type FieldValue interface {
	Field() Field
	Size() int
	Get() any
	// Serialize writes exactly Size() bytes into dst.
	Serialize(dst []byte, order binary.ByteOrder)
}

// BuildContext carries state shared by all fields of one record while it is
// being serialized. Variable-length fields record the size of their buffer
// here, keyed by the name of the length field that must carry it.
type BuildContext struct {
	order   binary.ByteOrder
	lengths map[string]int
}

func newBuildContext(order binary.ByteOrder) *BuildContext {
	return &BuildContext{order: order, lengths: make(map[string]int)}
}

// ByteOrder returns the record's byte order.
func (c *BuildContext) ByteOrder() binary.ByteOrder { return c.order }

// DeriveLength records that the field named lengthField must serialize as n.
func (c *BuildContext) DeriveLength(lengthField string, n int) {
	c.lengths[lengthField] = n
}

// DecodeContext is the byte source and the already-decoded sibling values of
// a record being deserialized.
type DecodeContext struct {
	r      io.Reader
	order  binary.ByteOrder
	values map[string]FieldValue
}

func newDecodeContext(r io.Reader, order binary.ByteOrder) *DecodeContext {
	return &DecodeContext{r: r, order: order, values: make(map[string]FieldValue)}
}

// ByteOrder returns the record's byte order.
func (c *DecodeContext) ByteOrder() binary.ByteOrder { return c.order }

// readChunk is the largest buffer Read allocates before any data arrived.
const readChunk = 64 << 10

// Read returns exactly n bytes from the source. A source that ends early
// yields io.EOF (nothing read) or io.ErrUnexpectedEOF. Large reads grow
// their buffer as bytes arrive, so a length field claiming more than the
// source holds costs no more memory than the source delivered.
func (c *DecodeContext) Read(n int) ([]byte, error) {
	if n <= readChunk {
		buf := make([]byte, n)
		if n == 0 {
			return buf, nil
		}
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	var buf bytes.Buffer
	buf.Grow(readChunk)
	got, err := io.CopyN(&buf, c.r, int64(n))
	switch {
	case err == io.EOF && got == 0:
		return nil, io.EOF
	case err == io.EOF:
		return nil, io.ErrUnexpectedEOF
	case err != nil:
		return nil, err
	}
	return buf.Bytes(), nil
}

// Lookup returns a sibling value decoded earlier in the same record.
func (c *DecodeContext) Lookup(name string) (FieldValue, bool) {
	v, ok := c.values[name]
	return v, ok
}
