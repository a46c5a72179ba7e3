// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/deehdev/chatbot"
	"github.com/deehdev/chatbot/fanout"
	"github.com/deehdev/chatbot/reqrep"
)

// Default session settings
const (
	DefaultChannel       = "geral"
	DefaultPrivateRatio  = 0.4
	DefaultMinInterval   = 2500 * time.Millisecond
	DefaultMaxInterval   = 5500 * time.Millisecond
	DefaultLoginAttempts = 5
)

// DefaultNames is the pool of bot user names.
var DefaultNames = []string{
	"Ana", "Pedro", "Rafael", "Deise", "Camila", "Victor", "Paula",
	"Juliana", "Lucas", "Marcos", "Mateus", "João", "Carla", "Bruno",
	"Renata", "Sofia",
}

// DefaultPhrases is the pool of message bodies.
var DefaultPhrases = []string{
	"Alguém viu algum filme bom?",
	"Preciso de uma recomendação urgente.",
	"Esse mês saiu muito filme bom!",
	"Vocês preferem dublado ou legendado?",
	"Interstellar é perfeito.",
	"Quero algo leve!",
	"Alguém entendeu Tenet?",
	"Recomendações de terror psicológico?",
}

// Options configures a Session.
type Options struct {
	Username string   // Random pick from Names when empty
	Channel  string   // Random pick from the server's channels when empty
	Names    []string // User name pool, also the fallback list of peers
	Phrases  []string // Message bodies

	PrivateRatio float64       // Probability of a private message per round
	MinInterval  time.Duration // Lower bound of the pause between rounds
	MaxInterval  time.Duration // Upper bound of the pause between rounds

	HeartbeatInterval time.Duration // 0 disables the heartbeat
	RequestTimeout    time.Duration // Reply deadline for every request

	// LowercaseTopics lowercases user and channel names before use, for
	// servers that normalize names that way.
	LowercaseTopics bool

	LoginAttempts uint            // Login tries before Start gives up
	LoginBackoff  backoff.BackOff // Pause policy between login tries

	RequestDialer   reqrep.DialFunc // Defaults to reqrep.DialREQ
	SubscribeDialer fanout.DialFunc // Defaults to fanout.DialSUB

	Rand    *rand.Rand
	Output  io.Writer // Where received and sent messages are printed
	Logger  *chatbot.Logger
	Metrics *chatbot.Metrics
}

// DefaultOptions returns default session options
func DefaultOptions() *Options {
	return &Options{
		Names:          DefaultNames,
		Phrases:        DefaultPhrases,
		PrivateRatio:   DefaultPrivateRatio,
		MinInterval:    DefaultMinInterval,
		MaxInterval:    DefaultMaxInterval,
		RequestTimeout: reqrep.DefaultTimeout,
		LoginAttempts:  DefaultLoginAttempts,
		Output:         os.Stdout,
		Logger:         chatbot.WarnLogger,
	}
}

func newLoginBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// withDefaults fills zero fields of o.
func (o *Options) withDefaults() *Options {
	if len(o.Names) == 0 {
		o.Names = DefaultNames
	}
	if len(o.Phrases) == 0 {
		o.Phrases = DefaultPhrases
	}
	if o.PrivateRatio < 0 {
		o.PrivateRatio = 0
	}
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = o.MinInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = reqrep.DefaultTimeout
	}
	if o.LoginAttempts == 0 {
		o.LoginAttempts = DefaultLoginAttempts
	}
	if o.LoginBackoff == nil {
		o.LoginBackoff = newLoginBackoff()
	}
	if o.RequestDialer == nil {
		o.RequestDialer = reqrep.DialREQ
	}
	if o.SubscribeDialer == nil {
		o.SubscribeDialer = fanout.DialSUB
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Output == nil {
		o.Output = io.Discard
	}
	if o.Logger == nil {
		o.Logger = chatbot.WarnLogger
	}
	return o
}
