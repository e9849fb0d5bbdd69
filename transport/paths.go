// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"slices"
	"sync"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
)

// pathTable is the claimed-path bookkeeping shared by the transport
// implementations. One entry per claimed path; a second claim of the
// same path fails, which is how two connection cores sharing one
// transport discover the collision.
type pathTable struct {
	mu      sync.Mutex
	claimed map[string]ref.ObjectPath
}

func newPathTable() *pathTable {
	return &pathTable{claimed: make(map[string]ref.ObjectPath)}
}

func (t *pathTable) claim(path ref.ObjectPath) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.claimed[path.String()]; taken {
		return false
	}
	t.claimed[path.String()] = path
	return true
}

func (t *pathTable) release(path ref.ObjectPath) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.claimed, path.String())
}

// children returns the immediate child segments of claimed paths
// strictly below base, sorted and deduplicated.
func (t *pathTable) children(base ref.ObjectPath) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool)
	var segments []string
	for _, claimed := range t.claimed {
		segment, ok := base.ChildSegment(claimed)
		if !ok || seen[segment] {
			continue
		}
		seen[segment] = true
		segments = append(segments, segment)
	}
	slices.Sort(segments)
	return segments
}
