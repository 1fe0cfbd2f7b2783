package backend

import "sync/atomic"

// Stats holds the shared limiter/cache counters. It is injected into
// both subsystems rather than held as package state so tests can build
// isolated instances. All methods are safe for concurrent use.
type Stats struct {
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	cacheErrors   atomic.Int64
	invalidations atomic.Int64

	limiterAllowed atomic.Int64
	limiterDenied  atomic.Int64

	degraded atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	CacheErrors    int64 `json:"cache_errors"`
	Invalidations  int64 `json:"invalidations"`
	LimiterAllowed int64 `json:"limiter_allowed"`
	LimiterDenied  int64 `json:"limiter_denied"`
	DegradedCalls  int64 `json:"degraded_calls"`
}

// NewStats returns a zeroed counter set.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) CacheHit()       { s.cacheHits.Add(1) }
func (s *Stats) CacheMiss()      { s.cacheMisses.Add(1) }
func (s *Stats) CacheError()     { s.cacheErrors.Add(1) }
func (s *Stats) Invalidation()   { s.invalidations.Add(1) }
func (s *Stats) LimiterAllow()   { s.limiterAllowed.Add(1) }
func (s *Stats) LimiterDeny()    { s.limiterDenied.Add(1) }
func (s *Stats) DegradedCall()   { s.degraded.Add(1) }

// Snapshot returns a consistent-enough copy for operational reporting.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		CacheHits:      s.cacheHits.Load(),
		CacheMisses:    s.cacheMisses.Load(),
		CacheErrors:    s.cacheErrors.Load(),
		Invalidations:  s.invalidations.Load(),
		LimiterAllowed: s.limiterAllowed.Load(),
		LimiterDenied:  s.limiterDenied.Load(),
		DegradedCalls:  s.degraded.Load(),
	}
}
