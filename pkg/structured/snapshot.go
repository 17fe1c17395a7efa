// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package structured

import "slices"

// Snapshot is a point-in-time, read-only view of a Runner's subtree
// structure: its own state plus its direct child runners' snapshots.
// Two snapshots taken without an intervening structural mutation are the
// same object, so callers can compare by identity instead of walking the
// tree.
type Snapshot struct {
	State       State
	FiberCount  int
	Children    []*Snapshot
}

// Snapshot returns r's current structural snapshot, reusing the
// previously built one if nothing under r has changed since. r's own
// state and direct child/fiber set are tracked via r.version (bumped by
// addFiber/removeFiber/Child/Dispose). Structural changes in a descendant
// bump that descendant's own version but not r's, so each call takes the
// children's current snapshots and reuses r's cached snapshot only if
// every one of them is the same object it already embeds.
func (r *Runner) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	children := make([]*Snapshot, 0, len(r.subs))
	for c := range r.subs {
		children = append(children, c.Snapshot())
	}

	if r.cachedSnapshot != nil && r.cachedVersion == r.version && containsAll(r.cachedSnapshot.Children, children) {
		return r.cachedSnapshot
	}

	snap := &Snapshot{
		State:      r.state,
		FiberCount: len(r.children),
		Children:   children,
	}
	r.cachedSnapshot = snap
	r.cachedVersion = r.version
	return snap
}

func containsAll(have, want []*Snapshot) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
