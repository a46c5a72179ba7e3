// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session drives one synthetic chat user: it logs in, picks and
// subscribes to a channel, then publishes channel and private messages at
// random intervals while printing everything the fan-out proxy delivers.
//
// A Session owns one Lamport clock shared by its request clients and its
// listener. The optional heartbeat runs on a client of its own so that a
// slow heartbeat never holds the publish loop's REQ socket.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/deehdev/chatbot"
	"github.com/deehdev/chatbot/envelope"
	"github.com/deehdev/chatbot/fanout"
	"github.com/deehdev/chatbot/lamport"
	"github.com/deehdev/chatbot/reqrep"
)

var (
	// ErrNotStarted is returned by Run before a successful Start.
	ErrNotStarted = errors.New("session: not started")

	// ErrLoginFailed is returned by Start when every login attempt failed.
	ErrLoginFailed = errors.New("session: login failed")
)

// Session is one bot user connected to the chat service.
type Session struct {
	id      uuid.UUID
	options *Options
	logger  *chatbot.Logger

	clock     *lamport.Clock
	client    *reqrep.Client
	heartbeat *reqrep.Client // nil when the heartbeat is disabled
	listener  *fanout.Listener

	username string
	channel  string
	peers    []string
	started  bool

	randMu sync.Mutex
	outMu  sync.Mutex

	channelSent atomic.Int64
	privateSent atomic.Int64
}

// New creates a session talking to the broker at reqAddr and the fan-out
// proxy at subAddr. Nothing is dialed until Start.
func New(reqAddr, subAddr string, options *Options) *Session {
	if options == nil {
		options = DefaultOptions()
	}
	options.withDefaults()

	s := &Session{
		id:      uuid.New(),
		options: options,
		clock:   lamport.New(),
	}
	s.logger = options.Logger.Named("session " + s.id.String()[:8])

	s.client = reqrep.NewClient(reqAddr, s.clock, &reqrep.ClientOptions{
		Timeout:  options.RequestTimeout,
		Identity: s.id.String(),
		Dialer:   options.RequestDialer,
		Logger:   options.Logger,
		Metrics:  options.Metrics,
	})
	if options.HeartbeatInterval > 0 {
		s.heartbeat = reqrep.NewClient(reqAddr, s.clock, &reqrep.ClientOptions{
			Timeout:  options.RequestTimeout,
			Identity: s.id.String() + "-hb",
			Dialer:   options.RequestDialer,
			Logger:   options.Logger,
			Metrics:  options.Metrics,
		})
	}
	s.listener = fanout.NewListener(subAddr, s.clock, fanout.HandlerFunc(s.handleEvent), &fanout.ListenerOptions{
		Dialer:  options.SubscribeDialer,
		Logger:  options.Logger,
		Metrics: options.Metrics,
	})

	names := normalizeNames(options.Names, options.LowercaseTopics)
	if options.Username != "" {
		s.username = normalizeName(options.Username, options.LowercaseTopics)
	} else {
		s.username = s.pick(names)
	}
	s.peers = others(names, s.username)
	return s
}

// ID returns the session id, also used as the REQ socket identity prefix.
func (s *Session) ID() uuid.UUID { return s.id }

// Username returns the name the session logs in with.
func (s *Session) Username() string { return s.username }

// Channel returns the channel chosen by Start.
func (s *Session) Channel() string { return s.channel }

// Peers returns the users private messages are sent to.
func (s *Session) Peers() []string { return append([]string(nil), s.peers...) }

// Clock returns the session's logical clock.
func (s *Session) Clock() *lamport.Clock { return s.clock }

// Topics returns the fan-out topics the session listens on.
func (s *Session) Topics() []string { return s.listener.Topics() }

// Start connects, logs in, discovers peers and channels and subscribes to
// the session's own topic and to one channel.
func (s *Session) Start(ctx context.Context) error {
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("session: connecting to broker: %w", err)
	}
	if s.heartbeat != nil {
		if err := s.heartbeat.Connect(); err != nil {
			return fmt.Errorf("session: connecting heartbeat: %w", err)
		}
	}
	if err := s.listener.Connect(); err != nil {
		return fmt.Errorf("session: connecting to proxy: %w", err)
	}

	s.printf("BOT iniciado como %s\n", s.username)

	reply, err := s.login(ctx)
	if err != nil {
		return err
	}
	s.printf("LOGIN: %s\n", reply.Status())

	// private messages arrive on the user's own topic
	if err := s.listener.Subscribe(s.username); err != nil {
		return err
	}

	s.discoverPeers()

	channel, err := s.chooseChannel()
	if err != nil {
		return err
	}
	s.channel = channel

	reply = s.client.Request(envelope.ServiceSubscribe, envelope.SubscribePayload(s.username, channel))
	if reply.Failed() {
		s.logger.Warn("subscribe to %q refused: %s", channel, describe(reply))
	}
	if err := s.listener.Subscribe(channel); err != nil {
		return err
	}
	s.printf("Inscrito no canal: %s\n", channel)

	s.started = true
	s.logger.Info("started as %q on %q, %d peers", s.username, s.channel, len(s.peers))
	return nil
}

func (s *Session) login(ctx context.Context) (*envelope.Envelope, error) {
	s.options.LoginBackoff.Reset()
	reply, err := backoff.Retry(ctx, func() (*envelope.Envelope, error) {
		reply := s.client.Request(envelope.ServiceLogin, envelope.LoginPayload(s.username))
		if reply.Failed() {
			s.logger.Warn("login as %q failed: %s", s.username, describe(reply))
			return nil, fmt.Errorf("%w: %s", ErrLoginFailed, describe(reply))
		}
		return reply, nil
	},
		backoff.WithBackOff(s.options.LoginBackoff),
		backoff.WithMaxTries(s.options.LoginAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("session: login as %q: %w", s.username, err)
	}
	return reply, nil
}

// discoverPeers replaces the local name pool with the server's user list
// when the server provides one.
func (s *Session) discoverPeers() {
	reply := s.client.Request(envelope.ServiceUsers, nil)
	if reply.Failed() {
		s.logger.Debug("users unavailable, keeping %d local names: %s", len(s.peers), describe(reply))
		return
	}
	peers := others(normalizeNames(reply.List("users"), s.options.LowercaseTopics), s.username)
	if len(peers) > 0 {
		s.peers = peers
	}
}

// chooseChannel returns the configured channel, or a random channel from
// the server's list. A missing channel is created.
func (s *Session) chooseChannel() (string, error) {
	reply := s.client.Request(envelope.ServiceChannels, nil)
	if reply.IsError() {
		s.logger.Warn("listing channels failed: %s", describe(reply))
	}
	channels := normalizeNames(reply.List("channels"), s.options.LowercaseTopics)

	want := normalizeName(s.options.Channel, s.options.LowercaseTopics)
	switch {
	case want != "":
		for _, c := range channels {
			if c == want {
				return want, nil
			}
		}
	case len(channels) > 0:
		return s.pick(channels), nil
	default:
		want = normalizeName(DefaultChannel, s.options.LowercaseTopics)
	}

	reply = s.client.Request(envelope.ServiceChannel, envelope.CreateChannelPayload(want))
	if reply.IsError() {
		return "", fmt.Errorf("session: creating channel %q: %s", want, describe(reply))
	}
	if reply.Failed() {
		// usually "already exists", which is fine
		s.logger.Info("channel %q: %s", want, describe(reply))
	}
	return want, nil
}

// Run drives the session until ctx is cancelled: the listener, the
// publish loop and the heartbeat run concurrently. Cancelling ctx also
// closes the request clients so that an outstanding request returns at
// once.
func (s *Session) Run(ctx context.Context) error {
	if !s.started {
		return ErrNotStarted
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		s.client.Close()
		if s.heartbeat != nil {
			s.heartbeat.Close()
		}
	})
	defer stop()

	g.Go(func() error {
		return s.listener.Run(gctx)
	})
	g.Go(func() error {
		return s.publishLoop(gctx)
	})
	if s.heartbeat != nil {
		g.Go(func() error {
			return s.heartbeatLoop(gctx)
		})
	}
	return g.Wait()
}

func (s *Session) publishLoop(ctx context.Context) error {
	for {
		s.publishRound(ctx)
		if !wait(ctx, s.nextInterval()) {
			return nil
		}
	}
}

// publishRound sends one private message or one channel message.
func (s *Session) publishRound(ctx context.Context) {
	text := s.pick(s.options.Phrases)

	if len(s.peers) > 0 && s.float() < s.options.PrivateRatio {
		dst := s.pick(s.peers)
		msg := envelope.PrivateMessage{Src: s.username, Dst: dst, Message: text}
		reply := s.client.Request(envelope.ServiceMessage, msg.Payload())
		if reply.Failed() {
			if ctx.Err() == nil {
				s.logger.Warn("message to %q failed: %s", dst, describe(reply))
			}
			return
		}
		s.privateSent.Add(1)
		s.printf("💌 %s → %s: %s\n", s.username, dst, text)
		return
	}

	if !s.listener.IsSubscribed(s.channel) {
		s.printf("⚠ Voce não está inscrito no canal: %s\n", s.channel)
		return
	}
	msg := envelope.ChannelMessage{User: s.username, Channel: s.channel, Message: text}
	reply := s.client.Request(envelope.ServicePublish, msg.Payload())
	if reply.Failed() {
		if ctx.Err() == nil {
			s.logger.Warn("publish on %q failed: %s", s.channel, describe(reply))
		}
		return
	}
	s.channelSent.Add(1)
	s.printf("[# %s] %s: %s\n", s.channel, s.username, text)
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reply := s.heartbeat.Request(envelope.ServiceHeartbeat, envelope.LoginPayload(s.username))
			if reply.Failed() && ctx.Err() == nil {
				s.logger.Warn("heartbeat failed: %s", describe(reply))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) handleEvent(ev *fanout.Event) {
	switch ev.Kind {
	case fanout.EventChannelMessage:
		s.printf("[# %s] %s: %s   (ts=%s, clock=%d)\n", ev.Channel, ev.User, ev.Text, ev.Timestamp, ev.Clock)
	case fanout.EventPrivateMessage:
		s.printf("💌 %s → você: %s   (ts=%s, clock=%d)\n", ev.User, ev.Text, ev.Timestamp, ev.Clock)
	default:
		s.printf("[%s] %v\n", ev.Service, ev.Data)
	}
}

// Sent returns the number of channel and private messages accepted by
// the broker.
func (s *Session) Sent() (channel, private int64) {
	return s.channelSent.Load(), s.privateSent.Load()
}

// Close releases every socket.
func (s *Session) Close() error {
	var err error
	err = multierr.Append(err, s.listener.Close())
	err = multierr.Append(err, s.client.Close())
	if s.heartbeat != nil {
		err = multierr.Append(err, s.heartbeat.Close())
	}
	return err
}

func (s *Session) printf(format string, args ...interface{}) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.options.Output, format, args...)
}

func (s *Session) pick(items []string) string {
	if len(items) == 0 {
		return ""
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return items[s.options.Rand.Intn(len(items))]
}

func (s *Session) float() float64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.options.Rand.Float64()
}

// nextInterval returns a uniform pause in [MinInterval, MaxInterval].
func (s *Session) nextInterval() time.Duration {
	spread := s.options.MaxInterval - s.options.MinInterval
	if spread <= 0 {
		return s.options.MinInterval
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.options.MinInterval + time.Duration(s.options.Rand.Int63n(int64(spread)+1))
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// describe renders a failed reply for logs.
func describe(reply *envelope.Envelope) string {
	if msg := envelope.Lookup(reply.Data, "message", "description"); msg != "" {
		return fmt.Sprintf("%s (%s)", reply.Status(), msg)
	}
	return reply.Status()
}

// lockedWriter serializes writes when several sessions share one writer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// SyncWriter wraps w so that several sessions can print to it.
func SyncWriter(w io.Writer) io.Writer {
	return &lockedWriter{w: w}
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
