// Package fetch downloads planned tasks. Two strategies exist: preview
// images come from the store's thumbnailer as rendered JPEGs, everything
// else streams the original bytes with ranged requests that resume from
// whatever is already on disk.
package fetch

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ontahood/drive-fetch/pkg/backoff"
	"github.com/ontahood/drive-fetch/pkg/drive"
	"github.com/ontahood/drive-fetch/pkg/limiter"
	"github.com/ontahood/drive-fetch/pkg/media"
	"github.com/ontahood/drive-fetch/pkg/metrics"
	"github.com/ontahood/drive-fetch/pkg/pool"
	"github.com/ontahood/drive-fetch/pkg/prescan"
	"github.com/ontahood/drive-fetch/pkg/runstate"
	"github.com/ontahood/drive-fetch/pkg/tracker"
)

const (
	// chunkSize is the span of one ranged request.
	chunkSize = 8 * 1024 * 1024

	// thumbRetryAttempts is higher than the generic ceiling because a 404
	// from the thumbnailer often just means the rendition is not ready yet.
	thumbRetryAttempts = 10
	// chunkRetryAttempts bounds retries of a single ranged request.
	chunkRetryAttempts = 8

	// probeTimeout bounds the size probe, payloadTimeout one chunk request.
	probeTimeout   = 30 * time.Second
	payloadTimeout = 60 * time.Second

	// progressInterval throttles per-file progress logging.
	progressInterval = 1500 * time.Millisecond

	copyBufferSize = 1 * 1024 * 1024
	minThumbBuffer = 4 * 1024
	maxThumbBuffer = 4 * 1024 * 1024

	// thumbMemBudget caps how many thumbnail bodies may be buffered whole in
	// memory at once before writers fall back to streaming.
	thumbMemBudget = 64 * 1024 * 1024
)

// Downloader executes download tasks on its own API sessions. One Downloader
// is built per worker pool so HTTP connection pools and timeouts are not
// shared between the image, video and document phases.
type Downloader struct {
	meta    *drive.Client // metadata lookups (thumbnail link refresh)
	probe   *drive.Client // short-timeout size probes
	payload *drive.Client // chunk and thumbnail payloads

	state   *runstate.RunState
	tracker *tracker.Tracker
	gate    *runstate.Gate

	// ThumbRetry and ChunkRetry are replaceable for tests.
	ThumbRetry *backoff.Policy
	ChunkRetry *backoff.Policy

	// Metrics receives per-download counters. Defaults to a no-op collector;
	// the run assigns a shared one when accounting is enabled.
	Metrics metrics.Metrics
	// MemBudget limits whole-body buffering of thumbnail responses.
	MemBudget *limiter.Memory

	copyBufs  *pool.FixedBufferPool
	thumbBufs *pool.BucketedBufferPool
	clock     clockwork.Clock
}

// NewDownloader builds a Downloader with its own sessions cloned from client.
func NewDownloader(client *drive.Client, state *runstate.RunState, tr *tracker.Tracker) *Downloader {
	return &Downloader{
		meta:       client.Clone(),
		probe:      client.WithTimeout(probeTimeout),
		payload:    client.WithTimeout(payloadTimeout),
		state:      state,
		tracker:    tr,
		gate:       state.Gate(),
		ThumbRetry: backoff.New(thumbRetryAttempts),
		ChunkRetry: backoff.New(chunkRetryAttempts),
		Metrics:    &metrics.NoopMetrics{},
		MemBudget:  limiter.NewMemory(thumbMemBudget),
		copyBufs:   pool.NewFixedBuffer(copyBufferSize),
		thumbBufs:  pool.NewBucketedBufferPool(minThumbBuffer, maxThumbBuffer),
		clock:      clockwork.NewRealClock(),
	}
}

// Download executes one task, blocking while the run is paused. Bytes written
// are accounted to the task's root as they land on disk.
func (d *Downloader) Download(ctx context.Context, task prescan.Task) error {
	if err := d.gate.Wait(ctx); err != nil {
		return err
	}
	if task.Kind == media.KindImage && task.PreviewWidth > 0 {
		return d.fetchThumbnail(ctx, task)
	}
	return d.fetchResumable(ctx, task)
}
