// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/busmesh/bus/wire"
)

// A Kind describes the scalar type of a container [Value]. All kind values
// not defined here are reserved for future use by the protocol.
type Kind byte

const (
	KindString Kind = 0
	KindInt    Kind = 1
	KindFloat  Kind = 2
	KindBool   Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("kind %d", byte(k))
	}
}

// A Value is one tagged scalar stored in a parameter container. Exactly the
// field selected by Kind is meaningful; the others are ignored. A zero Value
// is an empty string.
type Value struct {
	Kind Kind
	S    string  // Kind == KindString
	N    int64   // Kind == KindInt
	F    float64 // Kind == KindFloat
	B    bool    // Kind == KindBool
}

// StringValue constructs a Value holding the string v.
func StringValue(v string) Value { return Value{Kind: KindString, S: v} }

// IntValue constructs a Value holding the integer v.
func IntValue(v int64) Value { return Value{Kind: KindInt, N: v} }

// FloatValue constructs a Value holding the float v.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, F: v} }

// BoolValue constructs a Value holding the Boolean v.
func BoolValue(v bool) Value { return Value{Kind: KindBool, B: v} }

// Text renders the value as a plain string, regardless of its kind.
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.S
	case KindInt:
		return strconv.FormatInt(v.N, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.B)
	default:
		return ""
	}
}

// Equal reports whether v and w have the same kind and the same contents.
func (v Value) Equal(w Value) bool {
	if v.Kind != w.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.S == w.S
	case KindInt:
		return v.N == w.N
	case KindFloat:
		return v.F == w.F
	case KindBool:
		return v.B == w.B
	}
	return false
}

func (v Value) String() string {
	if v.Kind == KindString {
		return strconv.Quote(v.S)
	}
	return v.Text()
}

// appendTo appends the wire encoding of v to b.
func (v Value) appendTo(b *wire.Builder) error {
	b.Put(byte(v.Kind))
	switch v.Kind {
	case KindString:
		b.Bytes32([]byte(v.S))
	case KindInt:
		b.Uint64(uint64(v.N))
	case KindFloat:
		b.Float64(v.F)
	case KindBool:
		b.Bool(v.B)
	default:
		return Errorf(CodeUnsupportedValue, "unsupported value kind %d", byte(v.Kind))
	}
	return nil
}

// Params is an ordered mapping from string keys to scalar values, used to
// carry the arguments (In) and results (Out) of a bus call. Keys are unique
// within one container; setting an existing key replaces its value but keeps
// its original position. The zero Params is an empty container ready for use.
//
// Params is not safe for concurrent use without external synchronization.
type Params struct {
	keys []string
	vals map[string]Value
}

// In is the argument container passed to a method call.
type In = Params

// Out is the result container filled by a method handler.
type Out = Params

// SetValue maps key to the given value in p, preserving the insertion
// position of an existing key.
func (p *Params) SetValue(key string, v Value) {
	if p.vals == nil {
		p.vals = make(map[string]Value)
	}
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = v
}

// Set maps key to the string value v in p.
func (p *Params) Set(key, v string) { p.SetValue(key, StringValue(v)) }

// SetInt maps key to the integer value v in p.
func (p *Params) SetInt(key string, v int64) { p.SetValue(key, IntValue(v)) }

// SetFloat maps key to the float value v in p.
func (p *Params) SetFloat(key string, v float64) { p.SetValue(key, FloatValue(v)) }

// SetBool maps key to the Boolean value v in p.
func (p *Params) SetBool(key string, v bool) { p.SetValue(key, BoolValue(v)) }

// Lookup reports whether key is present in p, and returns its value if so.
func (p Params) Lookup(key string) (Value, bool) {
	v, ok := p.vals[key]
	return v, ok
}

// Get returns the value mapped to key rendered as a string, or "" if key is
// not present. Use Lookup to distinguish an absent key from an empty value.
func (p Params) Get(key string) string { return p.vals[key].Text() }

// Len reports the number of entries in p.
func (p Params) Len() int { return len(p.keys) }

// Keys returns the keys of p in insertion order. The caller owns the
// returned slice.
func (p Params) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Clear removes all entries from p.
func (p *Params) Clear() { p.keys, p.vals = nil, nil }

// Equal reports whether p and q contain the same keys mapped to equal
// values. Insertion order does not participate in equality.
func (p Params) Equal(q Params) bool {
	if len(p.keys) != len(q.keys) {
		return false
	}
	for key, v := range p.vals {
		w, ok := q.vals[key]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

func (p Params) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, key := range p.keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", key, p.vals[key])
	}
	sb.WriteByte('}')
	return sb.String()
}

// Encode encodes p in binary format: a big-endian uint32 entry count
// followed by the entries in insertion order, each comprising a uint16
// length-prefixed key, a one-byte kind tag, and the value bytes. A container
// holding a value outside the supported scalar set fails with an *Error of
// code CodeUnsupportedValue.
func (p Params) Encode() ([]byte, error) {
	var b wire.Builder
	b.Uint32(uint32(len(p.keys)))
	for _, key := range p.keys {
		b.String16(key)
		if err := p.vals[key].appendTo(&b); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

// Decode replaces the contents of p with the container encoded in data.
func (p *Params) Decode(data []byte) error {
	p.Clear()
	s := wire.NewScanner(data)
	n, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("entry count: %w", err)
	}
	for range n {
		key, err := wire.String16[string](s)
		if err != nil {
			return fmt.Errorf("entry key: %w", err)
		}
		tag, err := s.Byte()
		if err != nil {
			return fmt.Errorf("value tag: %w", err)
		}
		var v Value
		switch Kind(tag) {
		case KindString:
			sv, err := wire.Bytes32[string](s)
			if err != nil {
				return fmt.Errorf("string value: %w", err)
			}
			v = StringValue(sv)
		case KindInt:
			nv, err := s.Uint64()
			if err != nil {
				return fmt.Errorf("int value: %w", err)
			}
			v = IntValue(int64(nv))
		case KindFloat:
			fv, err := s.Float64()
			if err != nil {
				return fmt.Errorf("float value: %w", err)
			}
			v = FloatValue(fv)
		case KindBool:
			bv, err := s.Bool()
			if err != nil {
				return fmt.Errorf("bool value: %w", err)
			}
			v = BoolValue(bv)
		default:
			return fmt.Errorf("unknown value tag %d", tag)
		}
		if _, ok := p.Lookup(key); ok {
			return fmt.Errorf("duplicate key %q", key)
		}
		p.SetValue(key, v)
	}
	if s.Len() != 0 {
		return fmt.Errorf("%d extra bytes after container", s.Len())
	}
	return nil
}
