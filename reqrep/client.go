// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reqrep implements the synchronous request channel to the chat
// broker: one envelope out, one envelope back, within a bounded wait.
//
// A Client never returns a Go error from a request. Timeouts and faults
// come back as {service:"error", data:{status:...}} envelopes so callers
// branch on a single shape.
package reqrep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/deehdev/chatbot"
	"github.com/deehdev/chatbot/envelope"
	"github.com/deehdev/chatbot/lamport"
)

// DefaultTimeout bounds the wait for a reply when no timeout is given.
const DefaultTimeout = 5 * time.Second

var (
	// ErrTimeout is reported when no reply arrives before the deadline.
	ErrTimeout = errors.New("reqrep: request timeout")

	// ErrClosed is reported for requests on a closed client.
	ErrClosed = errors.New("reqrep: client closed")
)

// TransportFault is a connection-level failure during dial, send or
// receive. It leaves the REQ socket in an unknown state.
type TransportFault struct {
	Op  string
	Err error
}

func (f *TransportFault) Error() string {
	return fmt.Sprintf("reqrep: %s: %v", f.Op, f.Err)
}

func (f *TransportFault) Unwrap() error { return f.Err }

// Socket is the subset of zmq4.Socket used by the client.
type Socket interface {
	Send(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// DialFunc opens a REQ connection to endpoint using identity.
type DialFunc func(ctx context.Context, endpoint, identity string) (Socket, error)

// DialREQ is the default DialFunc, backed by a zmq4 REQ socket.
func DialREQ(ctx context.Context, endpoint, identity string) (Socket, error) {
	var opts []zmq4.Option
	if identity != "" {
		opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(identity)))
	}
	socket := zmq4.NewReq(ctx, opts...)
	if err := socket.Dial(endpoint); err != nil {
		socket.Close()
		return nil, err
	}
	return socket, nil
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Timeout  time.Duration    // Default reply deadline
	Identity string           // Socket identity prefix (optional)
	Dialer   DialFunc         // Defaults to DialREQ
	Logger   *chatbot.Logger  // Defaults to chatbot.WarnLogger
	Metrics  *chatbot.Metrics // Optional
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Timeout: DefaultTimeout,
		Dialer:  DialREQ,
		Logger:  chatbot.WarnLogger,
	}
}

// Stats is a snapshot of a client's counters.
type Stats struct {
	Requests   uint64
	Replies    uint64
	Timeouts   uint64
	Faults     uint64
	Reconnects uint64
}

// Client is a request channel bound to one broker endpoint. Requests are
// serialized: a single REQ socket never has two exchanges outstanding.
type Client struct {
	endpoint string
	options  *ClientOptions
	clock    *lamport.Clock
	logger   *chatbot.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	socket     Socket
	generation int
	closed     bool

	requests   atomic.Uint64
	replies    atomic.Uint64
	timeouts   atomic.Uint64
	faults     atomic.Uint64
	reconnects atomic.Uint64
}

// NewClient creates a client for endpoint stamping envelopes with clock.
func NewClient(endpoint string, clock *lamport.Clock, options *ClientOptions) *Client {
	if options == nil {
		options = DefaultClientOptions()
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	if options.Dialer == nil {
		options.Dialer = DialREQ
	}
	logger := options.Logger
	if logger == nil {
		logger = chatbot.WarnLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		endpoint: endpoint,
		options:  options,
		clock:    clock,
		logger:   logger.Named("reqrep"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Endpoint returns the broker endpoint.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Connect dials the broker. Later requests re-dial on their own after a
// reset, so Connect is only needed to surface setup failures early.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.socket != nil {
		return nil
	}
	return c.adopt(<-c.startDial())
}

type dialResult struct {
	socket     Socket
	err        error
	generation int
}

// startDial runs the dialer in the background so that callers can bound
// the wait. The channel receives exactly one result.
func (c *Client) startDial() <-chan dialResult {
	identity := c.options.Identity
	if identity != "" {
		identity = fmt.Sprintf("%s-%d", identity, c.generation)
	}
	c.generation++
	generation := c.generation

	done := make(chan dialResult, 1)
	go func() {
		socket, err := c.options.Dialer(c.ctx, c.endpoint, identity)
		done <- dialResult{socket: socket, err: err, generation: generation}
	}()
	return done
}

func (c *Client) adopt(r dialResult) error {
	if r.err != nil {
		c.logger.Error("failed to dial %s: %v", c.endpoint, r.err)
		return &TransportFault{Op: "dial", Err: r.err}
	}
	if r.generation > 1 {
		c.reconnects.Add(1)
		c.logger.Info("reconnected to %s", c.endpoint)
	} else {
		c.logger.Debug("connected to %s", c.endpoint)
	}
	c.socket = r.socket
	return nil
}

// discard closes the socket of a dial that finished after its request
// gave up on it.
func (c *Client) discard(pending <-chan dialResult) {
	go func() {
		r := <-pending
		if r.err != nil || r.socket == nil {
			return
		}
		if err := r.socket.Close(); err != nil {
			c.logger.Debug("closing abandoned socket: %v", err)
		}
	}()
}

// reset drops the current socket so that no late reply can be matched to
// a later request.
func (c *Client) reset() {
	if c.socket == nil {
		return
	}
	if err := c.socket.Close(); err != nil {
		c.logger.Debug("closing stale socket: %v", err)
	}
	c.socket = nil
}

// Request sends service/data and waits for the reply using the default
// timeout.
func (c *Client) Request(service string, data map[string]interface{}) *envelope.Envelope {
	return c.RequestWithTimeout(service, data, c.options.Timeout)
}

// RequestWithTimeout sends service/data and waits up to timeout for the
// reply. The clock is ticked once to stamp the request and observed once
// when a reply is decoded.
func (c *Client) RequestWithTimeout(service string, data map[string]interface{}, timeout time.Duration) *envelope.Envelope {
	if timeout <= 0 {
		timeout = c.options.Timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := envelope.New(service, data)
	req.Clock = c.clock.Tick()
	c.options.Metrics.SetClock(req.Clock)
	c.requests.Add(1)

	start := time.Now()
	reply, err := c.roundTrip(req, timeout)
	elapsed := time.Since(start)

	if err != nil {
		var fault *TransportFault
		switch {
		case errors.Is(err, ErrTimeout):
			c.timeouts.Add(1)
			c.options.Metrics.ObserveRequest(service, chatbot.OutcomeTimeout, elapsed)
			c.logger.Warn("%s (clock=%d) timed out after %v", service, req.Clock, timeout)
			c.reset()
			return envelope.NewError(envelope.StatusTimeout)
		case errors.As(err, &fault):
			c.reset()
		}
		c.faults.Add(1)
		c.options.Metrics.ObserveRequest(service, chatbot.OutcomeFault, elapsed)
		c.logger.Warn("%s (clock=%d) failed: %v", service, req.Clock, err)
		return envelope.NewError(err.Error())
	}

	now := c.clock.Observe(reply.WireClock())
	c.options.Metrics.SetClock(now)
	c.replies.Add(1)
	c.options.Metrics.ObserveRequest(service, chatbot.OutcomeReply, elapsed)
	c.logger.Debug("%s (clock=%d) -> %s (clock=%d) in %v", service, req.Clock, reply.Service, reply.Clock, elapsed)
	return reply
}

type recvResult struct {
	msg zmq4.Msg
	err error
}

func (c *Client) roundTrip(req *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	if c.closed {
		return nil, ErrClosed
	}

	raw, err := envelope.Encode(req)
	if err != nil {
		return nil, err
	}

	// The deadline covers re-dialing too; zmq4 retries a refused dial
	// for several seconds.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if c.socket == nil {
		pending := c.startDial()
		select {
		case r := <-pending:
			if err := c.adopt(r); err != nil {
				return nil, err
			}
		case <-timer.C:
			c.discard(pending)
			return nil, ErrTimeout
		case <-c.ctx.Done():
			c.discard(pending)
			return nil, &TransportFault{Op: "dial", Err: ErrClosed}
		}
	}
	socket := c.socket

	if err := socket.Send(zmq4.NewMsg(raw)); err != nil {
		return nil, &TransportFault{Op: "send", Err: err}
	}

	// Recv has no deadline of its own; the goroutine ends when a reply
	// arrives or when reset closes the socket.
	done := make(chan recvResult, 1)
	go func() {
		msg, err := socket.Recv()
		done <- recvResult{msg: msg, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &TransportFault{Op: "recv", Err: r.err}
		}
		if len(r.msg.Frames) == 0 {
			return nil, &envelope.DecodingError{Err: envelope.ErrEmpty}
		}
		return envelope.Decode(r.msg.Frames[len(r.msg.Frames)-1])

	case <-timer.C:
		return nil, ErrTimeout

	case <-c.ctx.Done():
		return nil, &TransportFault{Op: "recv", Err: ErrClosed}
	}
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:   c.requests.Load(),
		Replies:    c.replies.Load(),
		Timeouts:   c.timeouts.Load(),
		Faults:     c.faults.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// Close releases the socket. Requests after Close return error envelopes.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.socket == nil {
		return nil
	}
	err := c.socket.Close()
	c.socket = nil
	if err != nil {
		return fmt.Errorf("reqrep: failed to close socket: %w", err)
	}
	return nil
}
