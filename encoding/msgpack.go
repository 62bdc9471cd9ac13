// Package encoding is the on-disk record format for state keygate keeps
// locally (tailer checkpoints): one format byte followed by a msgpack body.
package encoding

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// FormatV1 is the format byte written ahead of every record
const FormatV1 byte = 1

var (
	// ErrUnknownFormat is returned for records written by a newer release
	ErrUnknownFormat = errors.New("unknown record format")
	// ErrCorrupt is returned for records that do not decode cleanly
	ErrCorrupt = errors.New("corrupt record")
)

// Encode writes v as a record. Map keys are sorted, so equal values always
// produce equal bytes.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(FormatV1)

	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a record written by Encode. Trailing bytes after the body
// mean the record was torn or overwritten and are rejected.
func Decode[T any](data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, fmt.Errorf("%w: empty", ErrCorrupt)
	}
	if data[0] != FormatV1 {
		return out, fmt.Errorf("%w: %d", ErrUnknownFormat, data[0])
	}

	r := bytes.NewReader(data[1:])
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if r.Len() > 0 {
		return out, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return out, nil
}
