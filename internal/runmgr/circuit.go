package runmgr

import (
	"sort"
	"sync"
	"time"
)

// circuitState tracks consecutive failed runs of one job.
//
// On success the failure count resets. Once failures reach the trip count,
// new submissions of the job are refused for an exponentially growing
// cooldown capped at the max delay.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

func (s *circuitStore) getLocked(job string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[job]
	if st == nil {
		st = &circuitState{}
		s.m[job] = st
	}
	return st
}

func (s *circuitStore) resetIfStale(st *circuitState, now time.Time, cfg Config) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.CircuitResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *circuitStore) isOpen(now time.Time, job string, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripFailures <= 0 {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(job)
	s.resetIfStale(st, now, cfg)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, job string, cfg Config, failed bool) {
	if cfg.CircuitTripFailures <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(job)
	s.resetIfStale(st, now, cfg)

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cfg.CircuitTripFailures {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := 0; i < st.fails-cfg.CircuitTripFailures; i++ {
		d *= 2
		if d >= cfg.CircuitMaxDelay {
			break
		}
	}
	st.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (s *circuitStore) open(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for job, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			out = append(out, job)
		}
	}
	sort.Strings(out)
	return out
}
