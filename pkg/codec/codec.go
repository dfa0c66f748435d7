// Package codec is the serialization capability used by the persistent
// tiers. Values that a Codec cannot encode stay memory-only.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/pmkol/resync/pkg/pool"
)

type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// SerializationError reports a value that could not be encoded or decoded.
type SerializationError struct {
	Op  string // "marshal" or "unmarshal"
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s: serialization error: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

var (
	_ Codec = JSON{}
	_ Codec = Snappy{}
)

// JSON encodes with encoding/json. HTML escaping is off.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	buf := pool.GetBuf()
	defer pool.ReleaseBuf(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, &SerializationError{Op: "marshal", Err: err}
	}
	b := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (JSON) Unmarshal(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return &SerializationError{Op: "unmarshal", Err: err}
	}
	return nil
}

// Snappy compresses the output of Inner with snappy block encoding.
// A nil Inner is JSON.
type Snappy struct {
	Inner Codec
}

func (s Snappy) inner() Codec {
	if s.Inner == nil {
		return JSON{}
	}
	return s.Inner
}

func (s Snappy) Name() string { return "snappy+" + s.inner().Name() }

func (s Snappy) Marshal(v any) ([]byte, error) {
	b, err := s.inner().Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func (s Snappy) Unmarshal(b []byte, v any) error {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return &SerializationError{Op: "unmarshal", Err: err}
	}
	return s.inner().Unmarshal(raw, v)
}

// ByName returns the codec for a config name.
func ByName(name string) (Codec, error) {
	switch name {
	case "json":
		return JSON{}, nil
	case "", "snappy", "snappy+json":
		return Snappy{Inner: JSON{}}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
