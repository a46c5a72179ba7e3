// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fanout

import (
	"time"

	"github.com/deehdev/chatbot/envelope"
)

// EventKind classifies a dispatched fan-out message.
type EventKind string

const (
	EventChannelMessage EventKind = "channel-message"
	EventPrivateMessage EventKind = "private-message"
	EventOther          EventKind = "other"
)

// Event is one decoded fan-out message, as seen by a Handler.
type Event struct {
	Kind      EventKind
	Topic     string                 // Routing topic, from the topic frame or the payload
	Channel   string                 // Channel name (channel messages)
	User      string                 // Author (channel) or sender (private)
	Text      string                 // Message body
	Service   string                 // Envelope service as received
	Data      map[string]interface{} // Raw payload
	Timestamp string                 // Payload timestamp, else envelope timestamp
	Clock     int64                  // Envelope clock as received
	Local     int64                  // Local clock after observing the envelope
	Received  time.Time
}

// Handler receives dispatched events. HandleEvent runs on the listener
// goroutine; the next message is not read until it returns.
type Handler interface {
	HandleEvent(ev *Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev *Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev *Event) { f(ev) }

func newEvent(kind EventKind, topic string, env *envelope.Envelope) *Event {
	ts := envelope.Lookup(env.Data, "timestamp")
	if ts == "" {
		ts = env.Timestamp
	}
	return &Event{
		Kind:      kind,
		Topic:     topic,
		Service:   env.Service,
		Data:      env.Data,
		Timestamp: ts,
		Clock:     env.Clock,
		Received:  time.Now(),
	}
}

// NewChannelMessageEvent builds the event for a channel broadcast. The
// topic names the channel; the payload's channel is used when there is
// no topic.
func NewChannelMessageEvent(topic string, env *envelope.Envelope) *Event {
	msg := envelope.ChannelMessageFrom(env.Data)
	ev := newEvent(EventChannelMessage, topic, env)
	ev.Channel = topic
	if ev.Channel == "" {
		ev.Channel = msg.Channel
	}
	ev.User = msg.User
	ev.Text = msg.Message
	return ev
}

// NewPrivateMessageEvent builds the event for a direct message.
func NewPrivateMessageEvent(topic string, env *envelope.Envelope) *Event {
	msg := envelope.PrivateMessageFrom(env.Data)
	ev := newEvent(EventPrivateMessage, topic, env)
	ev.User = msg.Src
	ev.Text = msg.Message
	return ev
}

// NewOtherEvent builds the event for any service without a dedicated kind.
func NewOtherEvent(topic string, env *envelope.Envelope) *Event {
	return newEvent(EventOther, topic, env)
}
