// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package envelope

// Producers have disagreed on payload key names across protocol
// revisions. Outgoing payloads always use the canonical key; incoming
// payloads are resolved through these alias lists, canonical key first.
var (
	UserKeys    = []string{"user", "src"}
	SrcKeys     = []string{"src", "user"}
	MessageKeys = []string{"message", "msg"}
	ChannelKeys = []string{"channel", "name"}
)

// Lookup returns the first non-empty string found under keys.
func Lookup(data map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(data[k]); s != "" {
			return s
		}
	}
	return ""
}

// ChannelMessage is the payload of a publish request and of the channel
// broadcast the servers fan out.
type ChannelMessage struct {
	User      string
	Channel   string
	Message   string
	Timestamp string
}

// ChannelMessageFrom resolves a publish payload, accepting key aliases.
func ChannelMessageFrom(data map[string]interface{}) ChannelMessage {
	return ChannelMessage{
		User:      Lookup(data, UserKeys...),
		Channel:   Lookup(data, ChannelKeys...),
		Message:   Lookup(data, MessageKeys...),
		Timestamp: Lookup(data, "timestamp"),
	}
}

// Payload returns the canonical publish payload.
func (m ChannelMessage) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user":    m.User,
		"channel": m.Channel,
		"message": m.Message,
	}
}

// PrivateMessage is the payload of a message request and of the direct
// message the servers fan out on the recipient's topic.
type PrivateMessage struct {
	Src       string
	Dst       string
	Message   string
	Timestamp string
}

// PrivateMessageFrom resolves a message payload, accepting key aliases.
func PrivateMessageFrom(data map[string]interface{}) PrivateMessage {
	return PrivateMessage{
		Src:       Lookup(data, SrcKeys...),
		Dst:       Lookup(data, "dst"),
		Message:   Lookup(data, MessageKeys...),
		Timestamp: Lookup(data, "timestamp"),
	}
}

// Payload returns the canonical message payload.
func (m PrivateMessage) Payload() map[string]interface{} {
	return map[string]interface{}{
		"src":     m.Src,
		"dst":     m.Dst,
		"message": m.Message,
	}
}

// LoginPayload returns the payload of login and heartbeat requests.
func LoginPayload(user string) map[string]interface{} {
	return map[string]interface{}{"user": user}
}

// SubscribePayload returns the payload of a subscribe request.
func SubscribePayload(user, topic string) map[string]interface{} {
	return map[string]interface{}{"user": user, "topic": topic}
}

// CreateChannelPayload returns the payload of a channel creation request.
// Server revisions read either key, so both are sent.
func CreateChannelPayload(name string) map[string]interface{} {
	return map[string]interface{}{"name": name, "channel": name}
}
