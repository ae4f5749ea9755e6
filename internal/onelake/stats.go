package onelake

import (
	"sync/atomic"
	"time"
)

// httpStats tracks traffic to the store across all workers.
type httpStats struct {
	requests   atomic.Int64
	failures   atomic.Int64
	bytesSent  atomic.Int64
	lastSentNs atomic.Int64

	lastErrorValue atomic.Value // string
}

func newHTTPStats() *httpStats {
	s := &httpStats{}
	s.lastErrorValue.Store("")
	return s
}

func (s *httpStats) onRequest() {
	s.requests.Add(1)
}

func (s *httpStats) onSend(n int) {
	if n <= 0 {
		return
	}
	s.bytesSent.Add(int64(n))
	s.lastSentNs.Store(time.Now().UnixNano())
}

func (s *httpStats) setLastError(err error) {
	if err == nil {
		return
	}
	s.failures.Add(1)
	s.lastErrorValue.Store(err.Error())
}

func (s *httpStats) snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Requests:       s.requests.Load(),
		Failures:       s.failures.Load(),
		BytesSentTotal: s.bytesSent.Load(),
		LastError:      s.lastErrorValue.Load().(string),
	}
	if ns := s.lastSentNs.Load(); ns > 0 {
		snap.LastSentAt = time.Unix(0, ns)
	}
	return snap
}

// StatsSnapshot is a point-in-time view of the client's traffic.
type StatsSnapshot struct {
	Requests       int64     `json:"requests"`
	Failures       int64     `json:"failures"`
	BytesSentTotal int64     `json:"bytes_sent_total"`
	LastSentAt     time.Time `json:"last_sent_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}
