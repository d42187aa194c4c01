package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/ontahood/drive-fetch/pkg/drive"
	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/prescan"
	"github.com/ontahood/drive-fetch/pkg/util"
)

// errRangeComplete marks a 416, the local file already covers the remote.
var errRangeComplete = errors.New("requested range already satisfied")

// errServerIgnoredRange marks a 200 answer to a ranged request. The body is
// the whole file, so the local partial must be discarded.
var errServerIgnoredRange = errors.New("server ignored range request")

var contentRangeTotal = regexp.MustCompile(`bytes (?:\d+-\d+|\*)/(\d+)`)

// parseContentRangeTotal extracts the total size from a Content-Range header.
func parseContentRangeTotal(header string) int64 {
	m := contentRangeTotal.FindStringSubmatch(header)
	if m == nil {
		return 0
	}
	total, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return total
}

// fetchResumable streams the original bytes of a task with ranged requests,
// continuing from whatever partial file a previous run left behind. The
// target is registered with the incomplete-target tracker while bytes are in
// flight, so an interrupted run removes its own partial on shutdown instead
// of leaving a truncated file that looks finished.
func (d *Downloader) fetchResumable(ctx context.Context, task prescan.Task) error {
	if err := util.EnsureDir(filepath.Dir(task.TargetPath)); err != nil {
		return err
	}

	offset := int64(0)
	if info, err := os.Stat(task.TargetPath); err == nil && !info.IsDir() {
		offset = info.Size()
	}
	resumed := offset > 0

	total := task.Item.Size
	if total == 0 && offset > 0 {
		// Listing did not know the size (shortcut target). Probe so a
		// complete local file is recognized without re-downloading.
		probed, err := d.probeSize(ctx, task.Item.ID, offset)
		if err != nil {
			if errors.Is(err, errRangeComplete) {
				plog.Notice("already complete", "path", task.TargetPath)
				return nil
			}
			return err
		}
		total = probed
	}
	if total > 0 && offset >= total {
		plog.Notice("already complete", "path", task.TargetPath)
		return nil
	}

	// Tracked until the stream completes; a failure leaves the entry in
	// place for the shutdown cleanup.
	d.tracker.Begin(task.TargetPath)

	f, err := os.OpenFile(task.TargetPath, os.O_CREATE|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", task.TargetPath, err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek %s: %w", task.TargetPath, err)
	}

	srcURL := d.payload.ContentURL(task.Item.ID)
	lastProgress := d.clock.Now()

	for {
		if err := d.gate.Wait(ctx); err != nil {
			return err
		}
		if total > 0 && offset >= total {
			break
		}

		var n int64
		var newTotal int64
		op := func() error {
			var opErr error
			n, newTotal, opErr = d.fetchChunk(ctx, f, srcURL, offset, total)
			return opErr
		}

		err := d.ChunkRetry.Do(ctx, op, chunkRetryable, func(attempt int, err error) {
			d.Metrics.AddChunkRetries(1)
			plog.Warn("chunk fetch failed, retrying",
				"name", task.Item.Name, "offset", offset, "attempt", attempt, "error", err)
		})

		switch {
		case err == nil:
		case errors.Is(err, errRangeComplete):
			// The store says everything past offset is already local.
			plog.Debug("range satisfied", "path", task.TargetPath, "offset", offset)
			d.tracker.Finish(task.TargetPath)
			d.logDone(task, offset, resumed)
			return nil
		case errors.Is(err, errServerIgnoredRange):
			// Start over with a clean file.
			plog.Warn("restarting download from zero", "name", task.Item.Name)
			if err := f.Truncate(0); err != nil {
				return fmt.Errorf("failed to truncate %s: %w", task.TargetPath, err)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			offset = 0
			resumed = false
			continue
		default:
			return fmt.Errorf("failed to download %s: %w", task.Item.Name, err)
		}

		d.state.AddBytes(task.Root, task.Kind, n)
		offset += n
		if newTotal > 0 {
			total = newTotal
		}

		if now := d.clock.Now(); now.Sub(lastProgress) >= progressInterval {
			lastProgress = now
			logProgress(task, offset, total)
		}

		if n == 0 || (total == 0 && n < chunkSize) {
			// EOF on an unknown-length stream.
			break
		}
	}

	d.tracker.Finish(task.TargetPath)
	d.logDone(task, offset, resumed)
	return nil
}

func (d *Downloader) logDone(task prescan.Task, size int64, resumed bool) {
	d.Metrics.AddOriginals(1)
	if resumed {
		d.Metrics.AddResumed(1)
	}
	plog.Notice("saved", "path", task.TargetPath, "size", util.HumanBytes(size))
}

func logProgress(task prescan.Task, offset, total int64) {
	if total > 0 {
		plog.Info("downloading",
			"name", task.Item.Name,
			"progress", fmt.Sprintf("%.1f%%", 100*float64(offset)/float64(total)),
			"written", util.HumanBytes(offset),
			"of", util.HumanBytes(total))
		return
	}
	plog.Info("downloading", "name", task.Item.Name, "written", util.HumanBytes(offset))
}

// chunkRetryable keeps the control-flow sentinels out of the retry loop.
func chunkRetryable(err error) bool {
	if errors.Is(err, errRangeComplete) || errors.Is(err, errServerIgnoredRange) {
		return false
	}
	return drive.IsRetryable(err)
}

// fetchChunk requests one ranged span starting at offset and appends it to f.
// It returns the bytes written and, when the response carried one, the total
// remote size.
func (d *Downloader) fetchChunk(ctx context.Context, f *os.File, srcURL string, offset, total int64) (written, newTotal int64, err error) {
	req, err := d.payload.NewRequest(ctx, http.MethodGet, srcURL)
	if err != nil {
		return 0, 0, err
	}

	end := offset + chunkSize - 1
	if total > 0 && end >= total {
		end = total - 1
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, end))

	resp, err := d.payload.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		newTotal = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	case http.StatusRequestedRangeNotSatisfiable:
		return 0, 0, errRangeComplete
	case http.StatusOK:
		if offset > 0 {
			return 0, 0, errServerIgnoredRange
		}
		// A 200 at offset zero is fine, the body is the span we asked for
		// or the whole file.
	default:
		return 0, 0, &drive.StatusError{Code: resp.StatusCode}
	}

	buf := d.copyBufs.Get()
	written, err = io.CopyBuffer(f, resp.Body, *buf)
	d.copyBufs.Put(buf)
	if err != nil {
		// Keep what landed on disk, the next attempt resumes after it.
		return written, newTotal, err
	}
	return written, newTotal, nil
}

// probeSize asks the store for the total size of an item by requesting a
// one-byte range at the current offset. A 416 answer means the local bytes
// already cover the remote file.
func (d *Downloader) probeSize(ctx context.Context, id string, offset int64) (int64, error) {
	var total int64
	op := func() error {
		req, err := d.probe.NewRequest(ctx, http.MethodGet, d.probe.ContentURL(id))
		if err != nil {
			return err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset))

		resp, err := d.probe.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2))

		switch resp.StatusCode {
		case http.StatusPartialContent:
			total = parseContentRangeTotal(resp.Header.Get("Content-Range"))
			return nil
		case http.StatusRequestedRangeNotSatisfiable:
			if t := parseContentRangeTotal(resp.Header.Get("Content-Range")); t > 0 && t > offset {
				// Offset was past the end but the file is larger than zero,
				// report the real total so the caller can decide.
				total = t
				return nil
			}
			return errRangeComplete
		case http.StatusOK:
			total = resp.ContentLength
			return nil
		default:
			return &drive.StatusError{Code: resp.StatusCode}
		}
	}

	err := d.ChunkRetry.Do(ctx, op, chunkRetryable, func(attempt int, err error) {
		plog.Warn("size probe failed, retrying", "id", id, "attempt", attempt, "error", err)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
