package metrics

import (
	"sync/atomic"

	"github.com/ontahood/drive-fetch/pkg/plog"
)

// Metrics defines the interface for collecting and reporting transfer statistics.
type Metrics interface {
	AddPreviews(n int64)
	AddOriginals(n int64)
	AddResumed(n int64)
	AddThumbRetries(n int64)
	AddChunkRetries(n int64)
	Log()
}

// TransferMetrics holds the atomic counters for tracking download activity
// across all workers of a run. It is the concrete implementation of the
// Metrics interface.
type TransferMetrics struct {
	Previews     atomic.Int64
	Originals    atomic.Int64
	Resumed      atomic.Int64
	ThumbRetries atomic.Int64
	ChunkRetries atomic.Int64
}

func (m *TransferMetrics) AddPreviews(n int64)     { m.Previews.Add(n) }
func (m *TransferMetrics) AddOriginals(n int64)    { m.Originals.Add(n) }
func (m *TransferMetrics) AddResumed(n int64)      { m.Resumed.Add(n) }
func (m *TransferMetrics) AddThumbRetries(n int64) { m.ThumbRetries.Add(n) }
func (m *TransferMetrics) AddChunkRetries(n int64) { m.ChunkRetries.Add(n) }

// Log prints a summary of the transfer activity.
func (m *TransferMetrics) Log() {
	plog.Info("TRANSFER",
		"previews", m.Previews.Load(),
		"originals", m.Originals.Load(),
		"resumed", m.Resumed.Load(),
		"thumbRetries", m.ThumbRetries.Load(),
		"chunkRetries", m.ChunkRetries.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddPreviews(n int64)     {}
func (m *NoopMetrics) AddOriginals(n int64)    {}
func (m *NoopMetrics) AddResumed(n int64)      {}
func (m *NoopMetrics) AddThumbRetries(n int64) {}
func (m *NoopMetrics) AddChunkRetries(n int64) {}
func (m *NoopMetrics) Log()                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*TransferMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
