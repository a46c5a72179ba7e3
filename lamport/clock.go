// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lamport implements the logical clock stamped on every envelope
// the bot sends and advanced by every envelope it receives.
package lamport

import (
	"math"
	"strconv"
	"strings"
	"sync"
)

// Clock is a Lamport clock safe for concurrent use. The zero value starts
// at 0 and is ready to use.
type Clock struct {
	mu    sync.Mutex
	value int64
}

// New returns a clock starting at 0.
func New() *Clock {
	return &Clock{}
}

// Tick records a local event and returns the new value.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value++
	return c.value
}

// Observe records the receipt of a remote stamp and returns the new value.
// A valid stamp moves the clock to max(current, remote)+1; a malformed one
// still advances it by one.
func (c *Clock) Observe(remote interface{}) int64 {
	v, ok := ParseStamp(remote)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ok && v > c.value {
		c.value = v
	}
	c.value++
	return c.value
}

// Now returns the current value without advancing the clock.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// ParseStamp interprets v as a non-negative integer clock value. Integer
// and unsigned kinds, floats and decimal strings are accepted. Floats are
// truncated toward zero, so 3.7 reads as 3.
func ParseStamp(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), t >= 0
	case int8:
		return int64(t), t >= 0
	case int16:
		return int64(t), t >= 0
	case int32:
		return int64(t), t >= 0
	case int64:
		return t, t >= 0
	case uint:
		return fromUnsigned(uint64(t))
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return fromUnsigned(t)
	case float32:
		return fromFloat(float64(t))
	case float64:
		return fromFloat(t)
	case string:
		return fromString(t)
	case []byte:
		return fromString(string(t))
	}
	return 0, false
}

func fromUnsigned(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}

func fromFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || f < 0 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(math.Trunc(f)), true
}

func fromString(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
