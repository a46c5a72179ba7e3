// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package envelope implements the message unit exchanged with the chat
// broker and the fan-out proxy, and its MessagePack wire form.
package envelope

import (
	"fmt"
	"time"
)

// Service names seen at the broker boundary.
const (
	ServiceLogin     = "login"
	ServiceUsers     = "users"
	ServiceChannels  = "channels"
	ServiceChannel   = "channel"
	ServiceSubscribe = "subscribe"
	ServicePublish   = "publish"
	ServiceMessage   = "message"
	ServiceHeartbeat = "heartbeat"
	ServiceError     = "error"
)

// Status values. Servers answer with StatusOK or StatusFailed; StatusTimeout
// only appears in error envelopes built locally.
const (
	StatusOK      = "sucesso"
	StatusFailed  = "erro"
	StatusTimeout = "timeout"
)

// Envelope is the unit of exchange on both the request and fan-out paths.
type Envelope struct {
	Service   string
	Data      map[string]interface{}
	Timestamp string
	Clock     int64

	// wireClock keeps a clock value that arrived malformed; nil otherwise.
	wireClock interface{}
}

// Now returns the current time in the envelope timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// New builds an envelope for service with a fresh timestamp. A nil data
// map is replaced by an empty one. The caller stamps Clock.
func New(service string, data map[string]interface{}) *Envelope {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Envelope{
		Service:   service,
		Data:      data,
		Timestamp: Now(),
	}
}

// NewError builds the synthetic {service:"error", data:{status}} envelope
// returned in place of a reply that could not be obtained.
func NewError(status string) *Envelope {
	return New(ServiceError, map[string]interface{}{"status": status})
}

// WireClock returns the clock as received, which may be a malformed value
// that did not fit Clock. For well-formed envelopes it returns Clock.
func (e *Envelope) WireClock() interface{} {
	if e.wireClock != nil {
		return e.wireClock
	}
	return e.Clock
}

// IsError reports whether e is an error envelope.
func (e *Envelope) IsError() bool {
	return e.Service == ServiceError
}

// Failed reports whether e is an error envelope or a server reply whose
// status is StatusFailed.
func (e *Envelope) Failed() bool {
	return e.IsError() || e.Status() == StatusFailed
}

// Status returns data.status as a string, or "".
func (e *Envelope) Status() string {
	return e.Field("status")
}

// Field returns data[key] rendered as a string, or "" when absent.
func (e *Envelope) Field(key string) string {
	return stringValue(e.Data[key])
}

// List returns data[key] as a list of strings. Non-list values yield nil.
func (e *Envelope) List(key string) []string {
	switch t := e.Data[key].(type) {
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s := stringValue(v); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s%v (ts=%s, clock=%d)", e.Service, e.Data, e.Timestamp, e.Clock)
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
