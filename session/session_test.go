// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/deehdev/chatbot"
	"github.com/deehdev/chatbot/envelope"
	"github.com/deehdev/chatbot/fanout"
	"github.com/deehdev/chatbot/internal/testutil"
	"github.com/deehdev/chatbot/reqrep"
)

// fakeBroker answers requests the way the chat servers do.
type fakeBroker struct {
	mu            sync.Mutex
	users         []string
	channels      []string
	loginFailures int
	clock         int64
	requests      []*envelope.Envelope
}

func (b *fakeBroker) reply(req *envelope.Envelope) *envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, req)
	if req.Clock > b.clock {
		b.clock = req.Clock
	}
	b.clock++

	data := map[string]interface{}{"status": envelope.StatusOK}
	switch req.Service {
	case envelope.ServiceLogin:
		if b.loginFailures > 0 {
			b.loginFailures--
			data = map[string]interface{}{"status": envelope.StatusFailed, "description": "usuário inválido"}
		}
	case envelope.ServiceUsers:
		data = map[string]interface{}{"users": toList(b.users)}
	case envelope.ServiceChannels:
		data = map[string]interface{}{"channels": toList(b.channels)}
	case envelope.ServiceChannel:
		b.channels = append(b.channels, req.Field("name"))
		data["channel"] = req.Field("name")
	}

	rep := envelope.New(req.Service, data)
	rep.Clock = b.clock
	return rep
}

func toList(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func (b *fakeBroker) services() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.requests))
	for i, r := range b.requests {
		out[i] = r.Service
	}
	return out
}

func (b *fakeBroker) received(service string) []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*envelope.Envelope
	for _, r := range b.requests {
		if r.Service == service {
			out = append(out, r)
		}
	}
	return out
}

// syncBuffer is a bytes.Buffer safe for the listener and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	broker *fakeBroker
	dialer *testutil.ReqDialer
	sub    *testutil.SubSocket
	out    *syncBuffer
	opts   *Options
}

func newFixture(broker *fakeBroker) *fixture {
	f := &fixture{
		broker: broker,
		sub:    testutil.NewSubSocket(),
		out:    &syncBuffer{},
	}
	f.dialer = &testutil.ReqDialer{Reply: testutil.EnvelopeReply(broker.reply)}
	f.opts = &Options{
		Username:       "bot",
		PrivateRatio:   0,
		MinInterval:    5 * time.Millisecond,
		MaxInterval:    10 * time.Millisecond,
		RequestTimeout: time.Second,
		LoginBackoff:   backoff.NewConstantBackOff(time.Millisecond),
		RequestDialer: func(ctx context.Context, endpoint, identity string) (reqrep.Socket, error) {
			s, err := f.dialer.Dial(ctx, endpoint, identity)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		SubscribeDialer: func(context.Context, string) (fanout.Subscriber, error) {
			return f.sub, nil
		},
		Rand:   rand.New(rand.NewSource(1)),
		Output: f.out,
		Logger: chatbot.DevNullLogger,
	}
	return f
}

func (f *fixture) start(t *testing.T) *Session {
	t.Helper()
	s := New("tcp://broker:5555", "tcp://proxy:5558", f.opts)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func TestStartCreatesDefaultChannel(t *testing.T) {
	f := newFixture(&fakeBroker{})
	s := f.start(t)
	defer s.Close()

	assert.Equal(t, "geral", s.Channel())
	assert.Equal(t, []string{
		envelope.ServiceLogin,
		envelope.ServiceUsers,
		envelope.ServiceChannels,
		envelope.ServiceChannel,
		envelope.ServiceSubscribe,
	}, f.broker.services())

	created := f.broker.received(envelope.ServiceChannel)
	require.Len(t, created, 1)
	assert.Equal(t, "geral", created[0].Field("name"))
	assert.Equal(t, "geral", created[0].Field("channel"))

	sub := f.broker.received(envelope.ServiceSubscribe)
	require.Len(t, sub, 1)
	assert.Equal(t, "bot", sub[0].Field("user"))
	assert.Equal(t, "geral", sub[0].Field("topic"))

	assert.Equal(t, []string{"bot", "geral"}, s.Topics())
	assert.Equal(t, []string{"bot", "geral"}, f.sub.Topics())

	out := f.out.String()
	assert.Contains(t, out, "BOT iniciado como bot\n")
	assert.Contains(t, out, "LOGIN: sucesso\n")
	assert.Contains(t, out, "Inscrito no canal: geral\n")
}

func TestStartPicksServerChannel(t *testing.T) {
	f := newFixture(&fakeBroker{channels: []string{"filmes"}})
	s := f.start(t)
	defer s.Close()

	assert.Equal(t, "filmes", s.Channel())
	assert.Empty(t, f.broker.received(envelope.ServiceChannel))
	assert.True(t, s.listener.IsSubscribed("filmes"))
}

func TestStartConfiguredChannel(t *testing.T) {
	f := newFixture(&fakeBroker{channels: []string{"filmes"}})
	f.opts.Channel = "series"
	s := f.start(t)
	defer s.Close()

	assert.Equal(t, "series", s.Channel())
	created := f.broker.received(envelope.ServiceChannel)
	require.Len(t, created, 1)
	assert.Equal(t, "series", created[0].Field("name"))
}

func TestStartClockAdvances(t *testing.T) {
	f := newFixture(&fakeBroker{clock: 100})
	s := f.start(t)
	defer s.Close()

	// five exchanges, each a tick, a broker step and an observe
	reqs := f.broker.received(envelope.ServiceLogin)
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(1), reqs[0].Clock)
	assert.Equal(t, int64(114), s.Clock().Now())
}

func TestLoginRetries(t *testing.T) {
	f := newFixture(&fakeBroker{loginFailures: 2})
	s := f.start(t)
	defer s.Close()

	assert.Len(t, f.broker.received(envelope.ServiceLogin), 3)
}

func TestLoginGivesUp(t *testing.T) {
	f := newFixture(&fakeBroker{loginFailures: 10})
	f.opts.LoginAttempts = 2

	s := New("tcp://broker:5555", "tcp://proxy:5558", f.opts)
	defer s.Close()

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Contains(t, err.Error(), "usuário inválido")
	assert.Len(t, f.broker.received(envelope.ServiceLogin), 2)
}

func TestStartConnectFailure(t *testing.T) {
	f := newFixture(&fakeBroker{})
	f.dialer.FailDials(assert.AnError)

	s := New("tcp://broker:5555", "tcp://proxy:5558", f.opts)
	defer s.Close()

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPeersFromServer(t *testing.T) {
	f := newFixture(&fakeBroker{users: []string{"Ana", "bot", "Caio", "Ana"}})
	s := f.start(t)
	defer s.Close()

	assert.Equal(t, []string{"Ana", "Caio"}, s.Peers())
}

func TestPeersFallBackToNames(t *testing.T) {
	f := newFixture(&fakeBroker{})
	f.opts.Names = []string{"Ana", "bot", "Caio"}
	s := f.start(t)
	defer s.Close()

	assert.Equal(t, []string{"Ana", "Caio"}, s.Peers())
}

func TestRandomUsername(t *testing.T) {
	f := newFixture(&fakeBroker{})
	f.opts.Username = ""
	s := New("tcp://broker:5555", "tcp://proxy:5558", f.opts)
	defer s.Close()

	assert.Contains(t, DefaultNames, s.Username())
	assert.NotContains(t, s.Peers(), s.Username())
	assert.Len(t, s.Peers(), len(DefaultNames)-1)
}

func TestLowercaseTopics(t *testing.T) {
	f := newFixture(&fakeBroker{channels: []string{"Filmes"}})
	f.opts.Username = "  Ana "
	f.opts.LowercaseTopics = true
	s := f.start(t)
	defer s.Close()

	assert.Equal(t, "ana", s.Username())
	assert.Equal(t, "filmes", s.Channel())
	assert.Equal(t, []string{"ana", "filmes"}, f.sub.Topics())
}

func TestRunBeforeStart(t *testing.T) {
	f := newFixture(&fakeBroker{})
	s := New("tcp://broker:5555", "tcp://proxy:5558", f.opts)
	defer s.Close()

	assert.ErrorIs(t, s.Run(context.Background()), ErrNotStarted)
}

// runSession runs s until stop is called.
func runSession(t *testing.T, s *Session) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("session did not stop")
		}
	}
}

func TestRunPublishesAndPrints(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(&fakeBroker{channels: []string{"geral"}})
	s := f.start(t)
	defer s.Close()

	stop := runSession(t, s)

	event := envelope.New(envelope.ServicePublish, map[string]interface{}{
		"user":      "Ana",
		"channel":   "geral",
		"message":   "oi",
		"timestamp": "2025-01-01T10:00:00Z",
	})
	event.Clock = 500
	f.sub.PublishEnvelope("geral", event)

	testutil.WaitWithTimeout(t, func() bool {
		return len(f.broker.received(envelope.ServicePublish)) >= 2 &&
			strings.Contains(f.out.String(), "[# geral] Ana: oi")
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Contains(t, f.out.String(), "[# geral] Ana: oi   (ts=2025-01-01T10:00:00Z, clock=500)\n")
	assert.Greater(t, s.Clock().Now(), int64(500))

	for _, req := range f.broker.received(envelope.ServicePublish) {
		assert.Equal(t, "bot", req.Field("user"))
		assert.Equal(t, "geral", req.Field("channel"))
		assert.Contains(t, DefaultPhrases, req.Field("message"))
	}
	assert.Empty(t, f.broker.received(envelope.ServiceMessage))

	channel, private := s.Sent()
	assert.GreaterOrEqual(t, channel, int64(2))
	assert.Zero(t, private)
}

func TestRunPrivateMessages(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(&fakeBroker{users: []string{"Ana", "Caio"}})
	f.opts.PrivateRatio = 1
	s := f.start(t)
	defer s.Close()

	stop := runSession(t, s)

	f.sub.PublishEnvelope("bot", envelope.New(envelope.ServiceMessage, map[string]interface{}{
		"src":     "Caio",
		"dst":     "bot",
		"message": "psst",
	}))

	testutil.WaitWithTimeout(t, func() bool {
		return len(f.broker.received(envelope.ServiceMessage)) >= 2 &&
			strings.Contains(f.out.String(), "💌 Caio → você: psst")
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	for _, req := range f.broker.received(envelope.ServiceMessage) {
		assert.Equal(t, "bot", req.Field("src"))
		assert.Contains(t, []string{"Ana", "Caio"}, req.Field("dst"))
	}
	assert.Empty(t, f.broker.received(envelope.ServicePublish))
	assert.Contains(t, f.out.String(), "💌 bot → ")
}

func TestRunHeartbeat(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(&fakeBroker{})
	f.opts.HeartbeatInterval = 5 * time.Millisecond
	f.opts.MinInterval = time.Hour
	s := f.start(t)
	defer s.Close()

	stop := runSession(t, s)
	testutil.WaitWithTimeout(t, func() bool {
		return len(f.broker.received(envelope.ServiceHeartbeat)) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	for _, req := range f.broker.received(envelope.ServiceHeartbeat) {
		assert.Equal(t, "bot", req.Field("user"))
	}

	var identities []string
	for _, sock := range f.dialer.Sockets() {
		identities = append(identities, sock.Identity)
	}
	assert.Contains(t, identities, s.ID().String()+"-0")
	assert.Contains(t, identities, s.ID().String()+"-hb-0")
}

func TestOtherEventsPrinted(t *testing.T) {
	f := newFixture(&fakeBroker{})
	s := New("tcp://broker:5555", "tcp://proxy:5558", f.opts)
	defer s.Close()

	s.handleEvent(&fanout.Event{
		Kind:    fanout.EventOther,
		Service: "election",
		Data:    map[string]interface{}{"coordinator": "server-2"},
	})
	assert.Equal(t, "[election] map[coordinator:server-2]\n", f.out.String())
}

func TestNormalizeName(t *testing.T) {
	decomposed := "Joa\u0303o"
	precomposed := "Jo\u00e3o"
	require.NotEqual(t, precomposed, decomposed)

	assert.Equal(t, precomposed, normalizeName(decomposed, false))
	assert.Equal(t, "jo\u00e3o", normalizeName(" "+decomposed+" ", true))
	assert.Equal(t, []string{precomposed, "Ana"}, normalizeNames([]string{precomposed, decomposed, "", "Ana"}, false))
}

func TestNextIntervalBounds(t *testing.T) {
	f := newFixture(&fakeBroker{})
	f.opts.MinInterval = 2500 * time.Millisecond
	f.opts.MaxInterval = 5500 * time.Millisecond
	s := New("tcp://broker:5555", "tcp://proxy:5558", f.opts)
	defer s.Close()

	for i := 0; i < 100; i++ {
		d := s.nextInterval()
		assert.GreaterOrEqual(t, d, 2500*time.Millisecond)
		assert.LessOrEqual(t, d, 5500*time.Millisecond)
	}
}
