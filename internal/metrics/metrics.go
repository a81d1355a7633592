// Package metrics is a small in-process event counter registry for the
// store server, scrapeable in Prometheus text format.
package metrics

import "sync"

// Event names counted by the store server.
const (
	EventConnAccepted     = "conn_accepted"
	EventConnRejected     = "conn_rejected"
	EventAuthFailed       = "auth_failed"
	EventOriginRejected   = "origin_rejected"
	EventRateLimited      = "rate_limited"
	EventOversizedMessage = "oversized_message"
	EventBadRequest       = "bad_request"
	EventDocWrite         = "doc_write"
	EventDocRead          = "doc_read"
	EventRecordAppend     = "record_append"
	EventSubscribe        = "subscribe"
	EventUnsubscribe      = "unsubscribe"
	EventEventDropped     = "event_dropped"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
