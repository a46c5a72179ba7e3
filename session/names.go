// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// normalizeName puts a user or channel name in the form used for topics:
// trimmed, NFC composed, and lowercased when lower is set. "João" typed
// with a combining tilde and with a precomposed ã yield the same topic.
func normalizeName(name string, lower bool) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	if lower {
		name = cases.Lower(language.Und).String(name)
	}
	return name
}

// normalizeNames normalizes every name, dropping empty and duplicate ones
// while keeping the first occurrence order.
func normalizeNames(names []string, lower bool) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = normalizeName(n, lower)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// others returns names without self.
func others(names []string, self string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}
