// Package wire provides small helpers around protowire's field-tag codec
// for hand-written (not protoc-generated) messages. It backs the envelope
// wire format described by the runtime's external interface contract: a
// schema-described, protocol-buffer-style binary encoding, without
// requiring a .proto compilation step. The payload parameter framing
// (envelope.EncodeParams/DecodeParams) does not use this package.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers are assigned in declaration order, mirroring conventional
// protobuf field numbering.
type Field protowire.Number

// AppendString appends a length-delimited string field, skipping zero
// values so unset optional fields cost nothing on the wire.
func AppendString(b []byte, f Field, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, protowire.Number(f), protowire.BytesType)
	b = protowire.AppendString(b, s)
	return b
}

// AppendBytes appends a length-delimited bytes field, skipping nil/empty.
func AppendBytes(b []byte, f Field, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, protowire.Number(f), protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

// AppendVarint appends a varint field, skipping the zero value.
func AppendVarint(b []byte, f Field, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, protowire.Number(f), protowire.VarintType)
	b = protowire.AppendVarint(b, v)
	return b
}

// AppendBool appends a boolean field, skipping false (the zero value).
func AppendBool(b []byte, f Field, v bool) []byte {
	if !v {
		return b
	}
	var u uint64
	if v {
		u = 1
	}
	return AppendVarint(b, f, u)
}

// Consume iterates every field in buf, invoking fn with the field number,
// wire type, and raw value bytes/varint; Consume advances past each value
// itself, and stops with fn's error if fn returns one. Consume returns a
// framing error if a field's length/type is inconsistent.
func Consume(buf []byte, fn func(num Field, typ protowire.Type, val []byte, raw uint64) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("wire: invalid field tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(buf)
			if m < 0 {
				return fmt.Errorf("wire: invalid varint for field %d: %w", num, protowire.ParseError(m))
			}
			if err := fn(Field(num), typ, nil, v); err != nil {
				return err
			}
			buf = buf[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(buf)
			if m < 0 {
				return fmt.Errorf("wire: invalid length-delimited field %d: %w", num, protowire.ParseError(m))
			}
			if err := fn(Field(num), typ, v, 0); err != nil {
				return err
			}
			buf = buf[m:]
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(buf)
			if m < 0 {
				return fmt.Errorf("wire: invalid fixed32 field %d: %w", num, protowire.ParseError(m))
			}
			if err := fn(Field(num), typ, nil, uint64(v)); err != nil {
				return err
			}
			buf = buf[m:]
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(buf)
			if m < 0 {
				return fmt.Errorf("wire: invalid fixed64 field %d: %w", num, protowire.ParseError(m))
			}
			if err := fn(Field(num), typ, nil, v); err != nil {
				return err
			}
			buf = buf[m:]
		default:
			m := protowire.ConsumeFieldValue(protowire.Number(num), typ, buf)
			if m < 0 {
				return fmt.Errorf("wire: invalid field %d: %w", num, protowire.ParseError(m))
			}
			buf = buf[m:]
		}
	}
	return nil
}
