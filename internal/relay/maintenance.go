// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package relay

import "github.com/evoluhq/evolu-sub002/pkg/log"

// LogStats reports the current size of the bounded quota-limiter cache,
// a periodic health signal a gocron job in cmd/evolu-relay schedules. The
// per-owner mutex table is deliberately not sized here: it is never
// evicted, so its size is not a maintenance concern, only a correctness
// one (an owner lock must outlive every goroutine that might still be
// waiting on it).
func (s *IngestService) LogStats() {
	log.Infof("relay: owner quota limiters cached: %d", s.limiters.Len())
}
