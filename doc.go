// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chatbot holds the pieces shared by the chat bot protocol
// packages: a leveled logger and Prometheus metrics.
//
// The protocol itself lives in sub-packages:
//
//	envelope  MessagePack envelope codec and canonical payloads
//	lamport   Lamport logical clock
//	reqrep    REQ client with bounded wait and reconnect
//	fanout    SUB listener decoding and dispatching events
//	session   bot driver: login, subscribe, publish loop, heartbeat
package chatbot
