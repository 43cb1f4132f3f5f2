// Package health samples the coalescing pipeline's live counters on a
// fixed interval and folds them into a state.Store snapshot and a
// state.HistoryStore series, the way the teacher's replica package
// samples replication throughput into its own metrics recorder.
package health

import (
	"sync"
	"time"

	"rpipe/internal/state"
)

// Source is the subset of client.Client the sampler reads from. It is
// expressed as an interface so tests can supply a fake without
// standing up a real queue/executor/pool.
type Source interface {
	QueueDepth() int
	TimeSinceLastDrain() time.Duration
	BatchesTotal() int64
	EntriesTotal() int64
	RetriesTotal() int64
	PoolStats() (occupancy float64, connectionCount int)
}

// Sampler polls a Source every interval, updates a state.Store
// snapshot, and appends to a state.HistoryStore.
type Sampler struct {
	source   Source
	store    *state.Store
	history  *state.HistoryStore
	interval time.Duration

	ticker *time.Ticker
	stopCh chan struct{}

	mu         sync.Mutex
	lastBatch  int64
	lastEntry  int64
	lastSample time.Time
}

// New constructs a Sampler. history may be nil to skip time-series
// recording (e.g. a short-lived CLI invocation that only wants a
// single snapshot write).
func New(source Source, store *state.Store, history *state.HistoryStore, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		source:     source,
		store:      store,
		history:    history,
		interval:   interval,
		lastSample: time.Now(),
	}
}

// Start begins sampling in its own goroutine. Call Stop to end it.
func (s *Sampler) Start() {
	s.ticker = time.NewTicker(s.interval)
	s.stopCh = make(chan struct{})
	go s.loop()
}

func (s *Sampler) loop() {
	for {
		select {
		case <-s.ticker.C:
			s.Sample()
		case <-s.stopCh:
			return
		}
	}
}

// Stop ends sampling started by Start.
func (s *Sampler) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.stopCh != nil {
		close(s.stopCh)
	}
}

// Sample takes one reading immediately, independent of the ticker.
func (s *Sampler) Sample() {
	s.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(s.lastSample).Seconds()
	if elapsed <= 0 {
		elapsed = s.interval.Seconds()
	}

	batches := s.source.BatchesTotal()
	entries := s.source.EntriesTotal()
	deltaBatches := batches - s.lastBatch
	deltaEntries := entries - s.lastEntry
	s.lastBatch = batches
	s.lastEntry = entries
	s.lastSample = now
	s.mu.Unlock()

	batchesPerSec := float64(deltaBatches) / elapsed
	avgBatchSize := 0.0
	if deltaBatches > 0 {
		avgBatchSize = float64(deltaEntries) / float64(deltaBatches)
	}

	occupancy, connCount := s.source.PoolStats()
	queueDepth := s.source.QueueDepth()
	timeSinceDrainMs := float64(s.source.TimeSinceLastDrain().Microseconds()) / 1000.0
	retryCount := s.source.RetriesTotal()

	if s.store != nil {
		_ = s.store.UpdateHealth(queueDepth, timeSinceDrainMs, batchesPerSec, avgBatchSize, retryCount, occupancy, connCount)
	}
	if s.history != nil {
		s.history.QueueDepth.Add(float64(queueDepth))
		s.history.BatchesPerSec.Add(batchesPerSec)
		s.history.AvgBatchSize.Add(avgBatchSize)
		s.history.PoolOccupancy.Add(occupancy)
	}
}
