// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValueTag identifies the shape of an encoded Value.
type ValueTag byte

const (
	TagString                    ValueTag = 20
	TagNumber                    ValueTag = 21
	TagNull                      ValueTag = 22
	TagBinary                    ValueTag = 23
	TagNonNegativeInt            ValueTag = 30
	TagEmptyString               ValueTag = 31
	TagBase64Url                 ValueTag = 32
	TagId                        ValueTag = 33
	TagJson                      ValueTag = 34
	TagDateIsoWithNonNegativeTime ValueTag = 35
	TagDateIsoWithNegativeTime    ValueTag = 36
)

// Value is a tagged wire-format payload value. Exactly one field is
// meaningful, selected by Tag; String additionally backs EmptyString, Id,
// Json, Base64Url, and the two DateIso variants, whose tags exist only to
// let the selector round-trip the original Go type without re-parsing.
type Value struct {
	Tag    ValueTag
	String string
	Number float64
	Uint   uint64
	Binary []byte
}

// NewValue selects a tag for v by structural predicate, matching the order
// documented for the wire format: special-case strings first (empty,
// id-shaped, date-shaped, JSON-parseable), then fall back to the value's
// Go type.
func NewValue(v interface{}) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{Tag: TagNull}, nil
	case string:
		return newStringValue(x), nil
	case []byte:
		return Value{Tag: TagBinary, Binary: x}, nil
	case uint64:
		return Value{Tag: TagNonNegativeInt, Uint: x}, nil
	case int:
		if x >= 0 {
			return Value{Tag: TagNonNegativeInt, Uint: uint64(x)}, nil
		}
		return Value{Tag: TagNumber, Number: float64(x)}, nil
	case float64:
		return Value{Tag: TagNumber, Number: x}, nil
	default:
		return Value{}, fmt.Errorf("wire: %w: unsupported value type %T", ErrInvalidData, v)
	}
}

func newStringValue(s string) Value {
	switch {
	case s == "":
		return Value{Tag: TagEmptyString}
	case isID(s):
		return Value{Tag: TagId, String: s}
	case isISODate(s):
		if isoDateMillis(s) >= 0 {
			return Value{Tag: TagDateIsoWithNonNegativeTime, String: s}
		}
		return Value{Tag: TagDateIsoWithNegativeTime, String: s}
	case json.Valid([]byte(s)) && matchesJSONSchema(s):
		return Value{Tag: TagJson, String: s}
	case isBase64Url(s):
		return Value{Tag: TagBase64Url, String: s}
	default:
		return Value{Tag: TagString, String: s}
	}
}

// isoDateLayout is the fixed-millisecond form time.Time.MarshalJSON / JS
// Date.prototype.toISOString both produce, e.g. "2023-01-15T10:30:00.000Z".
const isoDateLayout = "2006-01-02T15:04:05.000Z07:00"

// isISODate reports whether s parses as an ISO-8601 timestamp in the exact
// millisecond-precision, zone-suffixed form the codec round-trips; any
// looser ISO-8601 variant (no fractional seconds, microsecond precision)
// falls through to the plain string tag rather than risk a lossy
// reformat on decode.
func isISODate(s string) bool {
	_, err := time.Parse(isoDateLayout, s)
	return err == nil
}

// isoDateMillis returns the Unix-epoch millisecond offset for s, which
// must already satisfy isISODate. The sign of this value is what picks
// between TagDateIsoWithNonNegativeTime and TagDateIsoWithNegativeTime,
// mirroring how JavaScript's Date.prototype.getTime splits at the epoch.
func isoDateMillis(s string) int64 {
	t, _ := time.Parse(isoDateLayout, s)
	return t.UnixMilli()
}

// jsonSchemaValidator, if set via SetJSONSchemaValidator, additionally
// constrains which syntactically valid JSON strings classify as TagJson;
// a string that fails validation falls back to TagString instead. Nil
// disables the check, so a plain json.Valid test decides the tag, as it
// always has.
var jsonSchemaValidator *jsonschema.Schema

// SetJSONSchemaValidator installs schema as the optional shape check
// NewValue applies to candidate JSON strings before tagging them TagJson.
// Pass nil to disable validation and fall back to syntactic JSON only.
func SetJSONSchemaValidator(schema *jsonschema.Schema) {
	jsonSchemaValidator = schema
}

func matchesJSONSchema(s string) bool {
	if jsonSchemaValidator == nil {
		return true
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return false
	}
	return jsonSchemaValidator.Validate(v) == nil
}

// isID reports whether s is a 21-character, url-safe base64 identifier,
// the shape this codec's owner and timestamp ids take in textual form.
func isID(s string) bool {
	if len(s) != 21 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}

func isBase64Url(s string) bool {
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil && len(s) > 0
}

// Encode appends v's wire representation to buf.
func (v Value) Encode(buf []byte) []byte {
	buf = append(buf, byte(v.Tag))
	switch v.Tag {
	case TagNull, TagEmptyString:
		return buf
	case TagString, TagId, TagJson, TagBase64Url, TagDateIsoWithNonNegativeTime, TagDateIsoWithNegativeTime:
		return AppendBytes(buf, []byte(v.String))
	case TagBinary:
		return AppendBytes(buf, v.Binary)
	case TagNonNegativeInt:
		b, _ := AppendUvarint(buf, v.Uint)
		return b
	case TagNumber:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.Number))
		return append(buf, tmp[:]...)
	default:
		return buf
	}
}

// DecodeValue parses a Value from the front of buf, returning bytes
// consumed.
func DecodeValue(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, fmt.Errorf("wire: %w: empty value", ErrInvalidData)
	}
	tag := ValueTag(buf[0])
	rest := buf[1:]

	switch tag {
	case TagNull:
		return Value{Tag: tag}, 1, nil
	case TagEmptyString:
		return Value{Tag: tag, String: ""}, 1, nil
	case TagString, TagId, TagJson, TagBase64Url, TagDateIsoWithNonNegativeTime, TagDateIsoWithNegativeTime:
		b, n, err := ReadBytes(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Tag: tag, String: string(b)}, 1 + n, nil
	case TagBinary:
		b, n, err := ReadBytes(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Tag: tag, Binary: b}, 1 + n, nil
	case TagNonNegativeInt:
		u, n, err := ReadUvarint(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Tag: tag, Uint: u}, 1 + n, nil
	case TagNumber:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("wire: %w: truncated number", ErrInvalidData)
		}
		bits := binary.LittleEndian.Uint64(rest[:8])
		return Value{Tag: tag, Number: math.Float64frombits(bits)}, 9, nil
	default:
		return Value{}, 0, fmt.Errorf("wire: %w: unknown value tag %d", ErrInvalidData, tag)
	}
}
