// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package envelope

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/deehdev/chatbot/lamport"
)

var (
	// ErrEmpty is returned when decoding a zero-length frame.
	ErrEmpty = errors.New("envelope: empty message")

	// ErrNotMap is returned when the encoded value is not a map.
	ErrNotMap = errors.New("envelope: top-level value is not a map")

	// ErrTrailingData is returned when bytes follow the encoded map.
	ErrTrailingData = errors.New("envelope: trailing bytes after map")
)

// EncodingError reports an envelope that has no MessagePack form.
type EncodingError struct {
	Service string
	Err     error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("envelope: cannot encode %q: %v", e.Service, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// DecodingError reports bytes that are not a well-formed envelope.
type DecodingError struct {
	Size int
	Err  error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("envelope: cannot decode %d bytes: %v", e.Size, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// wire is the MessagePack layout shared with the broker and servers.
type wire struct {
	Service   string                 `msgpack:"service"`
	Data      map[string]interface{} `msgpack:"data"`
	Timestamp string                 `msgpack:"timestamp"`
	Clock     interface{}            `msgpack:"clock"`
}

// Encode serializes e as a MessagePack map.
func Encode(e *Envelope) ([]byte, error) {
	w := wire{
		Service:   e.Service,
		Data:      e.Data,
		Timestamp: e.Timestamp,
		Clock:     e.Clock,
	}
	if w.Data == nil {
		w.Data = map[string]interface{}{}
	}

	raw, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, &EncodingError{Service: e.Service, Err: err}
	}
	return raw, nil
}

// Decode parses one encoded envelope and rejects a frame that carries
// anything after it. Absent fields take their zero value
// and an absent data map decodes as an empty map. A clock that is not a
// non-negative integer leaves Clock at 0 and is kept for WireClock.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, &DecodingError{Size: 0, Err: ErrEmpty}
	}
	if c := raw[0]; !msgpcode.IsFixedMap(c) && c != msgpcode.Map16 && c != msgpcode.Map32 {
		return nil, &DecodingError{Size: len(raw), Err: ErrNotMap}
	}

	r := bytes.NewReader(raw)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)

	var w wire
	if err := dec.Decode(&w); err != nil {
		return nil, &DecodingError{Size: len(raw), Err: err}
	}
	if r.Len() > 0 {
		return nil, &DecodingError{Size: len(raw), Err: ErrTrailingData}
	}

	env := &Envelope{
		Service:   w.Service,
		Data:      w.Data,
		Timestamp: w.Timestamp,
	}
	if env.Data == nil {
		env.Data = map[string]interface{}{}
	}
	if w.Clock != nil {
		if v, ok := lamport.ParseStamp(w.Clock); ok {
			env.Clock = v
		} else {
			env.wireClock = w.Clock
		}
	}
	return env, nil
}
