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

	"github.com/ontahood/drive-fetch/pkg/drive"
	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/prescan"
	"github.com/ontahood/drive-fetch/pkg/util"
)

// thumbSizeParam matches the size directive the store appends to thumbnail
// links, e.g. "=s220".
var thumbSizeParam = regexp.MustCompile(`=[sw]\d+(-[a-z])*$`)

// errThumbNotReady marks a 404 from the thumbnailer, which usually means the
// rendition has not been generated yet and is worth waiting for.
var errThumbNotReady = errors.New("thumbnail not ready")

// thumbnailURL rewrites a thumbnail link to request the given pixel width.
func thumbnailURL(link string, width int) string {
	sized := fmt.Sprintf("=w%d", width)
	if thumbSizeParam.MatchString(link) {
		return thumbSizeParam.ReplaceAllString(link, sized)
	}
	return link + sized
}

// fetchThumbnail downloads a rendered preview JPEG. The write is atomic:
// bytes go to a tracked .part file that is renamed over the target only when
// the body was read completely, so an existing preview always means done.
func (d *Downloader) fetchThumbnail(ctx context.Context, task prescan.Task) error {
	if err := util.EnsureDir(filepath.Dir(task.TargetPath)); err != nil {
		return err
	}

	link := task.Item.ThumbnailLink
	refreshLink := link == ""

	op := func() error {
		if err := d.gate.Wait(ctx); err != nil {
			return err
		}

		if refreshLink {
			// Shortcut targets have no link in the listing, and links from
			// old listings expire. Fetch fresh metadata either way.
			item, err := d.meta.GetItem(ctx, task.Item.ID)
			if err != nil {
				return err
			}
			if item.ThumbnailLink == "" {
				return fmt.Errorf("%w: no thumbnail link for %s", errThumbNotReady, task.Item.ID)
			}
			link = item.ThumbnailLink
			refreshLink = false
		}

		req, err := d.payload.NewRequest(ctx, http.MethodGet, thumbnailURL(link, task.PreviewWidth))
		if err != nil {
			return err
		}
		resp, err := d.payload.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return d.writeThumb(task, resp)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", errThumbNotReady, task.Item.Name)
		default:
			return &drive.StatusError{Code: resp.StatusCode}
		}
	}

	retryable := func(err error) bool {
		if errors.Is(err, errThumbNotReady) {
			return true
		}
		return drive.IsRetryable(err)
	}

	err := d.ThumbRetry.Do(ctx, op, retryable, func(attempt int, err error) {
		// Expired links present as 403/404, pick up a fresh one next try.
		refreshLink = true
		d.Metrics.AddThumbRetries(1)
		plog.Warn("thumbnail fetch failed, retrying",
			"name", task.Item.Name, "attempt", attempt, "error", err)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch thumbnail for %s: %w", task.Item.Name, err)
	}

	d.Metrics.AddPreviews(1)
	plog.Notice("preview saved", "path", task.TargetPath)
	return nil
}

// writeThumb persists a thumbnail body and renames the finished .part file
// over the target. Bodies with a known length are read whole into memory
// while the budget allows it, so a connection drop mid-body costs no disk
// write. Everything else streams through a pooled buffer.
func (d *Downloader) writeThumb(task prescan.Task, resp *http.Response) error {
	partPath := task.TargetPath + ".part"
	d.tracker.Begin(partPath)
	defer d.tracker.Finish(partPath)

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", partPath, err)
	}

	var written int64
	var copyErr error
	if length := resp.ContentLength; length > 0 && d.MemBudget.TryAcquire(length) {
		written, copyErr = d.writeThumbBuffered(f, resp.Body, length)
		d.MemBudget.Release(length)
	} else {
		bufSize := length
		if bufSize <= 0 {
			bufSize = int64(minThumbBuffer)
		}
		buf := d.thumbBufs.Get(bufSize)
		written, copyErr = io.CopyBuffer(f, resp.Body, *buf)
		d.thumbBufs.Put(buf)
	}

	if closeErr := f.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(partPath)
		return copyErr
	}
	if written == 0 {
		_ = os.Remove(partPath)
		return fmt.Errorf("%w: empty body for %s", errThumbNotReady, task.Item.Name)
	}

	if err := os.Rename(partPath, task.TargetPath); err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("failed to finalize %s: %w", task.TargetPath, err)
	}
	d.state.AddBytes(task.Root, task.Kind, written)
	return nil
}

// writeThumbBuffered reads exactly length bytes into memory before the first
// disk write. A short or overlong body is an error, the thumbnailer always
// announces the true length.
func (d *Downloader) writeThumbBuffered(f *os.File, body io.Reader, length int64) (int64, error) {
	buf := d.thumbBufs.Get(length)
	defer d.thumbBufs.Put(buf)
	data := *buf

	if _, err := io.ReadFull(body, data); err != nil {
		return 0, fmt.Errorf("short thumbnail body: %w", err)
	}
	if n, _ := body.Read(make([]byte, 1)); n > 0 {
		return 0, errors.New("thumbnail body longer than announced")
	}

	n, err := f.Write(data)
	return int64(n), err
}
