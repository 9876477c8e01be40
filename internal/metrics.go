package internal

import "sync/atomic"

// Metrics holds the process-wide counters exposed on /metrics.
type Metrics struct {
	activeConns atomic.Int64
	messages    atomic.Uint64
	uploads     atomic.Uint64
	dedupHits   atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) IncMessage() {
	m.messages.Add(1)
}

func (m *Metrics) IncUpload() {
	m.uploads.Add(1)
}

func (m *Metrics) IncDedupHit() {
	m.dedupHits.Add(1)
}

// Snapshot returns the counters for the metrics endpoint.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"active_connections": m.activeConns.Load(),
		"messages_total":     m.messages.Load(),
		"uploads_total":      m.uploads.Load(),
		"dedup_hits_total":   m.dedupHits.Load(),
	}
}
