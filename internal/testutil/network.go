// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testutil provides test helpers for the chat bot packages:
// local endpoints, in-memory sockets and wait helpers.
package testutil

import (
	"fmt"
	"net"
	"sync/atomic"
)

var portCounter int64 = 20000

// GetAvailablePort returns an available TCP port for testing
func GetAvailablePort() (int, error) {
	basePort := atomic.AddInt64(&portCounter, 1)

	for i := 0; i < 100; i++ {
		port := int(basePort) + i
		if port > 65535 {
			port = 20000 + (port % 45535)
		}

		if isPortAvailable(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available ports found in range")
}

// isPortAvailable checks if a TCP port is available for binding
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// GetTestEndpoint returns a loopback tcp:// endpoint on an available port
func GetTestEndpoint() (string, error) {
	port, err := GetAvailablePort()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("tcp://127.0.0.1:%d", port), nil
}
