// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/deehdev/chatbot/envelope"
)

// ErrSocketClosed is returned by fake sockets after Close.
var ErrSocketClosed = errors.New("testutil: socket closed")

// ReplyFunc computes the reply frames for one request. Returning false
// models a broker that never answers.
type ReplyFunc func(request [][]byte) (reply [][]byte, ok bool)

// EnvelopeReply adapts fn to a ReplyFunc speaking the envelope codec.
// A nil envelope from fn means no reply.
func EnvelopeReply(fn func(req *envelope.Envelope) *envelope.Envelope) ReplyFunc {
	return func(request [][]byte) ([][]byte, bool) {
		if len(request) == 0 {
			return nil, false
		}
		req, err := envelope.Decode(request[len(request)-1])
		if err != nil {
			return nil, false
		}
		rep := fn(req)
		if rep == nil {
			return nil, false
		}
		raw, err := envelope.Encode(rep)
		if err != nil {
			panic(fmt.Sprintf("testutil: cannot encode reply: %v", err))
		}
		return [][]byte{raw}, true
	}
}

// ReqSocket is an in-memory REQ socket answering through a ReplyFunc.
type ReqSocket struct {
	Identity string

	reply     ReplyFunc
	mu        sync.Mutex
	sendErr   error
	sent      []zmq4.Msg
	replies   chan zmq4.Msg
	closed    chan struct{}
	closeOnce sync.Once
}

// NewReqSocket returns a socket whose replies come from reply.
func NewReqSocket(reply ReplyFunc) *ReqSocket {
	return &ReqSocket{
		reply:   reply,
		replies: make(chan zmq4.Msg, 16),
		closed:  make(chan struct{}),
	}
}

// FailSends makes every later Send return err.
func (s *ReqSocket) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Send records msg and queues the reply, if any.
func (s *ReqSocket) Send(msg zmq4.Msg) error {
	if s.IsClosed() {
		return ErrSocketClosed
	}
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	if s.reply != nil {
		if frames, ok := s.reply(msg.Frames); ok {
			s.Deliver(frames...)
		}
	}
	return nil
}

// Deliver queues a reply as if the broker had sent it.
func (s *ReqSocket) Deliver(frames ...[]byte) {
	s.replies <- zmq4.NewMsgFrom(frames...)
}

// Recv blocks until a reply is queued or the socket is closed.
func (s *ReqSocket) Recv() (zmq4.Msg, error) {
	select {
	case msg := <-s.replies:
		return msg, nil
	case <-s.closed:
		return zmq4.Msg{}, ErrSocketClosed
	}
}

// Close unblocks pending Recv calls.
func (s *ReqSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (s *ReqSocket) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Sent returns the decoded envelopes sent on this socket.
func (s *ReqSocket) Sent() []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*envelope.Envelope, 0, len(s.sent))
	for _, msg := range s.sent {
		if len(msg.Frames) == 0 {
			continue
		}
		if env, err := envelope.Decode(msg.Frames[len(msg.Frames)-1]); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// ReqDialer hands out a fresh ReqSocket per dial, all sharing one
// ReplyFunc, and remembers them in order.
type ReqDialer struct {
	Reply ReplyFunc

	mu      sync.Mutex
	err     error
	sockets []*ReqSocket
}

// FailDials makes every later Dial return err.
func (d *ReqDialer) FailDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Dial returns a new socket, or the configured error.
func (d *ReqDialer) Dial(_ context.Context, _ string, identity string) (*ReqSocket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	s := NewReqSocket(d.Reply)
	s.Identity = identity
	d.sockets = append(d.sockets, s)
	return s, nil
}

// Sockets returns every socket dialed so far.
func (d *ReqDialer) Sockets() []*ReqSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*ReqSocket(nil), d.sockets...)
}

// Sent returns the envelopes sent over all dialed sockets, in dial order.
func (d *ReqDialer) Sent() []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, s := range d.Sockets() {
		out = append(out, s.Sent()...)
	}
	return out
}

type subItem struct {
	msg zmq4.Msg
	err error
}

// SubSocket is an in-memory SUB socket fed by Publish.
type SubSocket struct {
	mu        sync.Mutex
	topics    []string
	items     chan subItem
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSubSocket returns an empty SUB socket.
func NewSubSocket() *SubSocket {
	return &SubSocket{
		items:  make(chan subItem, 64),
		closed: make(chan struct{}),
	}
}

// SetOption records subscriptions; other options are accepted and ignored.
func (s *SubSocket) SetOption(name string, value interface{}) error {
	if name != zmq4.OptionSubscribe {
		return nil
	}
	topic, ok := value.(string)
	if !ok {
		return fmt.Errorf("testutil: subscribe value %T is not a string", value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return nil
}

// Topics returns the subscribed topics in order.
func (s *SubSocket) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

// Publish queues one message made of frames.
func (s *SubSocket) Publish(frames ...[]byte) {
	s.items <- subItem{msg: zmq4.NewMsgFrom(frames...)}
}

// PublishEnvelope queues a [topic, envelope] pair.
func (s *SubSocket) PublishEnvelope(topic string, env *envelope.Envelope) {
	raw, err := envelope.Encode(env)
	if err != nil {
		panic(fmt.Sprintf("testutil: cannot encode event: %v", err))
	}
	s.Publish([]byte(topic), raw)
}

// Fail makes the next Recv return err.
func (s *SubSocket) Fail(err error) {
	s.items <- subItem{err: err}
}

// Recv blocks until a message is queued or the socket is closed.
func (s *SubSocket) Recv() (zmq4.Msg, error) {
	select {
	case it := <-s.items:
		return it.msg, it.err
	case <-s.closed:
		return zmq4.Msg{}, ErrSocketClosed
	}
}

// Close unblocks pending Recv calls.
func (s *SubSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (s *SubSocket) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
