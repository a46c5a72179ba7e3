// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fanout implements the listener side of the chat fan-out path: a
// SUB socket on the proxy, envelope decoding, and dispatch by service.
//
// Two wire shapes are accepted. Servers publishing through the proxy send
// [topic, envelope] pairs; older revisions send a single self-describing
// envelope frame, in which case the topic is taken from the payload's
// channel, dst or src field, in that order.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-zeromq/zmq4"

	"github.com/deehdev/chatbot"
	"github.com/deehdev/chatbot/envelope"
	"github.com/deehdev/chatbot/lamport"
)

// DefaultFaultBackoff is the pause after a message that could not be
// received or decoded.
const DefaultFaultBackoff = 300 * time.Millisecond

var (
	// ErrNotConnected is returned by Run before Connect.
	ErrNotConnected = errors.New("fanout: listener not connected")

	// ErrEmptyMessage is reported for a message with no frames.
	ErrEmptyMessage = errors.New("fanout: empty message")

	// ErrBadTopic is reported for a topic frame that is not UTF-8.
	ErrBadTopic = errors.New("fanout: topic frame is not valid UTF-8")
)

// payloadTopicKeys name the payload fields standing in for the topic of a
// single-frame message.
var payloadTopicKeys = []string{"channel", "dst", "src"}

// Subscriber is the subset of zmq4.Socket used by the listener.
type Subscriber interface {
	Recv() (zmq4.Msg, error)
	SetOption(name string, value interface{}) error
	Close() error
}

// DialFunc opens a SUB connection to endpoint.
type DialFunc func(ctx context.Context, endpoint string) (Subscriber, error)

// DialSUB is the default DialFunc, backed by a zmq4 SUB socket.
func DialSUB(ctx context.Context, endpoint string) (Subscriber, error) {
	socket := zmq4.NewSub(ctx)
	if err := socket.Dial(endpoint); err != nil {
		socket.Close()
		return nil, err
	}
	return socket, nil
}

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	Dialer  DialFunc        // Defaults to DialSUB
	Backoff backoff.BackOff // Pause policy after a faulty message
	Logger  *chatbot.Logger // Defaults to chatbot.WarnLogger
	Metrics *chatbot.Metrics
}

// DefaultListenerOptions returns default listener options
func DefaultListenerOptions() *ListenerOptions {
	return &ListenerOptions{
		Dialer:  DialSUB,
		Backoff: backoff.NewConstantBackOff(DefaultFaultBackoff),
		Logger:  chatbot.WarnLogger,
	}
}

// Listener consumes fan-out messages for the lifetime of a session.
type Listener struct {
	endpoint string
	clock    *lamport.Clock
	handler  Handler
	options  *ListenerOptions
	logger   *chatbot.Logger
	topics   *TopicSet

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	socket Subscriber

	processed atomic.Uint64
	faults    atomic.Uint64
}

// NewListener creates a listener for endpoint dispatching to handler.
func NewListener(endpoint string, clock *lamport.Clock, handler Handler, options *ListenerOptions) *Listener {
	if options == nil {
		options = DefaultListenerOptions()
	}
	if options.Dialer == nil {
		options.Dialer = DialSUB
	}
	if options.Backoff == nil {
		options.Backoff = backoff.NewConstantBackOff(DefaultFaultBackoff)
	}
	logger := options.Logger
	if logger == nil {
		logger = chatbot.WarnLogger
	}
	if handler == nil {
		handler = HandlerFunc(func(*Event) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		endpoint: endpoint,
		clock:    clock,
		handler:  handler,
		options:  options,
		logger:   logger.Named("fanout"),
		topics:   NewTopicSet(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials the proxy and applies every topic already subscribed.
// A failure here is the only fatal listener error.
func (l *Listener) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.socket != nil {
		return nil
	}
	socket, err := l.options.Dialer(l.ctx, l.endpoint)
	if err != nil {
		return fmt.Errorf("fanout: failed to connect to %s: %w", l.endpoint, err)
	}
	for _, topic := range l.topics.List() {
		if err := socket.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			socket.Close()
			return fmt.Errorf("fanout: failed to subscribe to %q: %w", topic, err)
		}
	}
	l.socket = socket
	l.logger.Debug("connected to %s", l.endpoint)
	return nil
}

// Subscribe adds topic to the filter set. Topics are matched exactly as
// given. Subscribing twice to the same topic is a no-op.
func (l *Listener) Subscribe(topic string) error {
	if !l.topics.Add(topic) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.socket == nil {
		return nil
	}
	if err := l.socket.SetOption(zmq4.OptionSubscribe, topic); err != nil {
		return fmt.Errorf("fanout: failed to subscribe to %q: %w", topic, err)
	}
	l.logger.Info("subscribed to %q", topic)
	return nil
}

// Topics returns the subscribed topics in subscription order.
func (l *Listener) Topics() []string {
	return l.topics.List()
}

// IsSubscribed reports whether topic is in the filter set.
func (l *Listener) IsSubscribed(topic string) bool {
	return l.topics.Contains(topic)
}

type recvResult struct {
	msg zmq4.Msg
	err error
}

// Run receives and dispatches messages until ctx is cancelled or the
// listener is closed. A message that cannot be received or decoded is
// logged and followed by a backoff pause; it never ends the loop. On
// return the socket is closed.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	socket := l.socket
	l.mu.Unlock()
	if socket == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	msgs := make(chan recvResult)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			msg, err := socket.Recv()
			select {
			case msgs <- recvResult{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		// closing the socket is what unblocks a pending Recv
		cancel()
		l.closeSocket()
		<-readerDone
	}()

	bo := l.options.Backoff
	bo.Reset()

	for {
		select {
		case <-ctx.Done():
			return nil

		case r := <-msgs:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.fault("receive", r.err)
			} else if _, err := l.Process(r.msg.Frames); err != nil {
				l.fault("decode", err)
			} else {
				bo.Reset()
				continue
			}
			if !sleep(ctx, bo.NextBackOff()) {
				return nil
			}
		}
	}
}

func (l *Listener) fault(stage string, err error) {
	l.faults.Add(1)
	l.options.Metrics.ObserveFault(stage)
	l.logger.Error("%s fault: %v", stage, err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop || d < 0 {
		d = DefaultFaultBackoff
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Process decodes one received message, observes its clock and dispatches
// it to the handler. Nothing is dispatched when an error is returned.
func (l *Listener) Process(frames [][]byte) (*Event, error) {
	topic, payload, err := splitFrames(frames)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Decode(payload)
	if err != nil {
		return nil, err
	}

	local := l.clock.Observe(env.WireClock())
	l.options.Metrics.SetClock(local)

	if topic == "" {
		topic = envelope.Lookup(env.Data, payloadTopicKeys...)
	}

	var ev *Event
	switch env.Service {
	case envelope.ServicePublish:
		ev = NewChannelMessageEvent(topic, env)
	case envelope.ServiceMessage:
		ev = NewPrivateMessageEvent(topic, env)
	default:
		ev = NewOtherEvent(topic, env)
	}
	ev.Local = local

	l.processed.Add(1)
	l.options.Metrics.ObserveEvent(string(ev.Kind))
	l.logger.Trace("%s on %q (clock=%d, local=%d)", ev.Kind, ev.Topic, ev.Clock, ev.Local)
	l.handler.HandleEvent(ev)
	return ev, nil
}

func splitFrames(frames [][]byte) (topic string, payload []byte, err error) {
	switch len(frames) {
	case 0:
		return "", nil, ErrEmptyMessage
	case 1:
		return "", frames[0], nil
	}
	if !utf8.Valid(frames[0]) {
		return "", nil, ErrBadTopic
	}
	return strings.TrimSpace(string(frames[0])), frames[1], nil
}

// Stats returns the number of dispatched messages and of faults.
func (l *Listener) Stats() (processed, faults uint64) {
	return l.processed.Load(), l.faults.Load()
}

func (l *Listener) closeSocket() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.socket == nil {
		return nil
	}
	err := l.socket.Close()
	l.socket = nil
	return err
}

// Close stops a running loop and releases the socket.
func (l *Listener) Close() error {
	l.cancel()
	if err := l.closeSocket(); err != nil {
		return fmt.Errorf("fanout: failed to close socket: %w", err)
	}
	return nil
}
