package internal

import (
	"context"
	"sync/atomic"
	"time"
)

// Stats logs per-second transfer throughput of a component.
type Stats struct {
	l *Logger

	transferCount atomic.Uint64
	byteCount     atomic.Uint64
}

func NewStats(l *Logger) *Stats {
	return &Stats{
		l: l,
	}
}

func (s *Stats) RunStats(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			transferCount := s.transferCount.Load()
			byteCount := s.byteCount.Load()

			if transferCount == 0 && byteCount == 0 {
				continue
			}

			s.transferCount.Store(0)
			s.byteCount.Store(0)

			s.l.Info("stats", "transfers_per_sec", transferCount, "bytes_per_sec", byteCount)
		}
	}
}

func (s *Stats) IncrementTransferCount() {
	s.transferCount.Add(1)
}

func (s *Stats) IncrementByteCountBy(n int) {
	s.byteCount.Add(uint64(n))
}
