package server

import (
	"sync"
	"time"
)

// Stats tracks connection and relay counters.
type Stats struct {
	mu          sync.RWMutex
	started     time.Time
	connections int64
	connected   int64
	published   int64
	delivered   int64
	dropped     int64
	rejected    int64
}

// StatsSnapshot is a copy of the counters.
type StatsSnapshot struct {
	Uptime      string `json:"uptime"`
	Connections int64  `json:"connections"`
	Connected   int64  `json:"connected"`
	Published   int64  `json:"published"`
	Delivered   int64  `json:"delivered"`
	Dropped     int64  `json:"dropped"`
	Rejected    int64  `json:"rejected"`
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// RecordConnect records a new websocket connection.
func (s *Stats) RecordConnect() {
	s.mu.Lock()
	s.connections++
	s.connected++
	s.mu.Unlock()
}

// RecordDisconnect records a closed websocket connection.
func (s *Stats) RecordDisconnect() {
	s.mu.Lock()
	s.connected--
	s.mu.Unlock()
}

// RecordPublish records one message handed to the hub.
func (s *Stats) RecordPublish() {
	s.mu.Lock()
	s.published++
	s.mu.Unlock()
}

// RecordDelivery records one message queued to a connection.
func (s *Stats) RecordDelivery() {
	s.mu.Lock()
	s.delivered++
	s.mu.Unlock()
}

// RecordDrop records one message skipped for a slow connection.
func (s *Stats) RecordDrop() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

// RecordReject records a client operation answered with an error.
func (s *Stats) RecordReject() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime string
	if !s.started.IsZero() {
		uptime = time.Since(s.started).Round(time.Second).String()
	}

	return StatsSnapshot{
		Uptime:      uptime,
		Connections: s.connections,
		Connected:   s.connected,
		Published:   s.published,
		Delivered:   s.delivered,
		Dropped:     s.dropped,
		Rejected:    s.rejected,
	}
}
