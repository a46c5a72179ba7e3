// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fanout

import "sync"

// TopicSet is the grow-only set of topics a listener filters on. Topics
// are exact strings: no trimming, no case folding.
type TopicSet struct {
	mu    sync.RWMutex
	order []string
	set   map[string]struct{}
}

// NewTopicSet returns a set holding topics.
func NewTopicSet(topics ...string) *TopicSet {
	s := &TopicSet{set: make(map[string]struct{})}
	for _, t := range topics {
		s.Add(t)
	}
	return s
}

// Add inserts topic and reports whether it was new.
func (s *TopicSet) Add(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.set[topic]; dup {
		return false
	}
	s.set[topic] = struct{}{}
	s.order = append(s.order, topic)
	return true
}

// Contains reports whether topic is in the set.
func (s *TopicSet) Contains(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[topic]
	return ok
}

// List returns the topics in insertion order.
func (s *TopicSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of topics.
func (s *TopicSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
