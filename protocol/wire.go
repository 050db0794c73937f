package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoder writes payload fields in protobuf wire format. Fields are always
// written, including zero values, and always in the order the caller writes
// them, so a payload has exactly one encoding.
type Encoder struct {
	b []byte
}

// Uint appends a varint field.
func (e *Encoder) Uint(num protowire.Number, v uint64) *Encoder {
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
	return e
}

// Bool appends a varint field holding 0 or 1.
func (e *Encoder) Bool(num protowire.Number, v bool) *Encoder {
	return e.Uint(num, protowire.EncodeBool(v))
}

// Bytes appends a length-delimited field.
func (e *Encoder) Bytes(num protowire.Number, v []byte) *Encoder {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
	return e
}

// String appends a length-delimited UTF-8 field.
func (e *Encoder) String(num protowire.Number, v string) *Encoder {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
	return e
}

// Encoded returns the bytes written so far.
func (e *Encoder) Encoded() []byte {
	return e.b
}

// Decoder reads fields written by Encoder, in the same order. The first
// mismatch (wrong field number, wrong wire type, truncation) sticks and is
// reported by Finish; there is no unknown-field skipping.
type Decoder struct {
	b   []byte
	err error
}

// NewDecoder starts decoding b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b}
}

func (d *Decoder) tag(num protowire.Number, want protowire.Type) bool {
	if d.err != nil {
		return false
	}

	n, typ, l := protowire.ConsumeTag(d.b)
	if l < 0 {
		d.err = fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(l))
		return false
	}

	if n != num || typ != want {
		d.err = fmt.Errorf("%w: expected field %d type %d, got field %d type %d", ErrMalformedMessage, num, want, n, typ)
		return false
	}

	d.b = d.b[l:]
	return true
}

// Uint reads a varint field.
func (d *Decoder) Uint(num protowire.Number) uint64 {
	if !d.tag(num, protowire.VarintType) {
		return 0
	}

	v, l := protowire.ConsumeVarint(d.b)
	if l < 0 {
		d.err = fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(l))
		return 0
	}

	d.b = d.b[l:]
	return v
}

// Bool reads a varint field that must be 0 or 1.
func (d *Decoder) Bool(num protowire.Number) bool {
	v := d.Uint(num)
	if d.err == nil && v > 1 {
		d.err = fmt.Errorf("%w: field %d: bool value %d", ErrMalformedMessage, num, v)
	}
	return v == 1
}

// Bytes reads a length-delimited field. The result aliases the input.
func (d *Decoder) Bytes(num protowire.Number) []byte {
	if !d.tag(num, protowire.BytesType) {
		return nil
	}

	v, l := protowire.ConsumeBytes(d.b)
	if l < 0 {
		d.err = fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(l))
		return nil
	}

	d.b = d.b[l:]
	return v
}

// String reads a length-delimited field as a string.
func (d *Decoder) String(num protowire.Number) string {
	return string(d.Bytes(num))
}

// Finish reports the first decoding error, or an error if bytes remain.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}

	if len(d.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(d.b))
	}

	return nil
}
