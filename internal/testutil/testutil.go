// Package testutil holds small helpers shared by the package test suites.
package testutil

import (
	"sync"
	"time"
)

// PatternData returns n deterministic bytes with a period of 251, so chunk and
// block boundaries (always powers of two) never line up with the pattern. Any
// reassembly mistake shows up as a content mismatch instead of cancelling out.
func PatternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// SleepRecorder stands in for time.Sleep and records each requested duration,
// so retry tests run instantly.
type SleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

// Sleep records d without sleeping.
func (r *SleepRecorder) Sleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
}

// Recorded returns a copy of the durations recorded so far.
func (r *SleepRecorder) Recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}
