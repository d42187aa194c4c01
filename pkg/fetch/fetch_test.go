package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontahood/drive-fetch/pkg/backoff"
	"github.com/ontahood/drive-fetch/pkg/drive"
	"github.com/ontahood/drive-fetch/pkg/limiter"
	"github.com/ontahood/drive-fetch/pkg/media"
	"github.com/ontahood/drive-fetch/pkg/metrics"
	"github.com/ontahood/drive-fetch/pkg/prescan"
	"github.com/ontahood/drive-fetch/pkg/runstate"
	"github.com/ontahood/drive-fetch/pkg/tracker"
)

func newTestDownloader(t *testing.T, baseURL string) (*Downloader, *runstate.RunState, *tracker.Tracker) {
	t.Helper()
	client := drive.New(drive.ClientConfig{
		BaseURL: baseURL,
		Token:   drive.StaticToken("t"),
		Retry:   backoff.New(1),
		Timeout: 5 * time.Second,
	})
	state := runstate.New()
	tr := tracker.New()
	d := NewDownloader(client, state, tr)
	return d, state, tr
}

func previewTask(t *testing.T, dir, link string) prescan.Task {
	t.Helper()
	return prescan.Task{
		Root: "photos",
		Item: drive.Item{
			ID: "img1", Name: "pic.jpg", MimeType: "image/jpeg",
			ThumbnailLink: link,
		},
		Kind:         media.KindImage,
		PreviewWidth: 400,
		TargetPath:   filepath.Join(dir, "pic__img1_w400.jpg"),
	}
}

func TestThumbnailDownload(t *testing.T) {
	payload := []byte("jpeg-bytes-here")
	var gotURL atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/thumb/") {
			gotURL.Store(r.URL.String())
			w.Write(payload)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d, state, tr := newTestDownloader(t, srv.URL)
	dir := t.TempDir()
	task := previewTask(t, dir, srv.URL+"/thumb/img1=s220")

	require.NoError(t, d.Download(context.Background(), task))

	// The requested width replaces the link's own size directive.
	assert.True(t, strings.HasSuffix(gotURL.Load().(string), "=w400"), "got %s", gotURL.Load())

	data, err := os.ReadFile(task.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	assert.Equal(t, int64(len(payload)), state.BytesWritten())
	assert.Equal(t, 0, tr.Count(), "finished targets must leave the tracker")

	// No .part litter.
	if _, err := os.Stat(task.TargetPath + ".part"); !os.IsNotExist(err) {
		t.Errorf(".part file left behind after successful download")
	}
}

func TestThumbnailRetriesNotReady(t *testing.T) {
	payload := []byte("rendered later")
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Metadata refresh between attempts.
		if strings.HasPrefix(r.URL.Path, "/files/") {
			fmt.Fprintf(w, `{"id":"img1","name":"pic.jpg","thumbnailLink":%q}`, "http://"+r.Host+"/thumb/img1=s220")
			return
		}
		if calls.Add(1) == 1 {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	d, _, _ := newTestDownloader(t, srv.URL)
	clock := clockwork.NewFakeClock()
	d.ThumbRetry = backoff.NewWithClock(thumbRetryAttempts, clock)

	dir := t.TempDir()
	task := previewTask(t, dir, srv.URL+"/thumb/img1=s220")

	done := make(chan error, 1)
	go func() {
		done <- d.Download(context.Background(), task)
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Minute)

	require.NoError(t, <-done)
	data, err := os.ReadFile(task.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(2), calls.Load())
}

func TestThumbnailFetchesLinkForShortcutTargets(t *testing.T) {
	payload := []byte("x")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/files/") {
			fmt.Fprintf(w, `{"id":"img1","name":"pic.jpg","thumbnailLink":%q}`, "http://"+r.Host+"/thumb/img1=s220")
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	d, _, _ := newTestDownloader(t, srv.URL)
	dir := t.TempDir()
	task := previewTask(t, dir, "") // no link in the listing

	require.NoError(t, d.Download(context.Background(), task))
	_, err := os.Stat(task.TargetPath)
	assert.NoError(t, err)
}

// rangedServer serves /files/{id}?alt=media with full range support.
func rangedServer(content []byte, hits *atomic.Int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		http.ServeContent(w, r, "blob", time.Unix(0, 0), bytes.NewReader(content))
	}))
}

func videoTask(dir string, size int64) prescan.Task {
	return prescan.Task{
		Root: "videos",
		Item: drive.Item{
			ID: "vid1", Name: "clip.mp4", MimeType: "video/mp4", Size: size,
		},
		Kind:       media.KindVideo,
		TargetPath: filepath.Join(dir, "clip__vid1.mp4"),
	}
}

func TestResumableDownloadFromScratch(t *testing.T) {
	content := []byte(strings.Repeat("v", 100_000))
	srv := rangedServer(content, nil)
	defer srv.Close()

	d, state, tr := newTestDownloader(t, srv.URL)
	task := videoTask(t.TempDir(), int64(len(content)))

	require.NoError(t, d.Download(context.Background(), task))

	data, err := os.ReadFile(task.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, int64(len(content)), state.BytesWritten())
	assert.Equal(t, 0, tr.Count(), "finished targets must leave the tracker")
}

func TestInterruptedDownloadIsCleanedUp(t *testing.T) {
	content := []byte(strings.Repeat("v", 50_000))
	var started sync.Once
	firstBytes := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[:1000])
		w.(http.Flusher).Flush()
		started.Do(func() { close(firstBytes) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	d, _, tr := newTestDownloader(t, srv.URL)
	task := videoTask(t.TempDir(), int64(len(content)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- d.Download(ctx, task)
	}()

	<-firstBytes
	cancel()
	require.Error(t, <-done)

	// The half-written target is still tracked, so the shutdown sweep
	// removes it instead of leaving a truncated file that looks finished.
	require.Equal(t, 1, tr.Count())
	assert.Equal(t, 1, tr.CleanupAll())
	_, err := os.Stat(task.TargetPath)
	assert.True(t, os.IsNotExist(err))
}

func TestResumableDownloadResumesPartial(t *testing.T) {
	content := []byte(strings.Repeat("a", 4000) + strings.Repeat("b", 6000))
	srv := rangedServer(content, nil)
	defer srv.Close()

	d, state, _ := newTestDownloader(t, srv.URL)
	dir := t.TempDir()
	task := videoTask(dir, int64(len(content)))

	// First 4000 bytes are already on disk from an interrupted run.
	require.NoError(t, os.WriteFile(task.TargetPath, content[:4000], 0o644))

	require.NoError(t, d.Download(context.Background(), task))

	data, err := os.ReadFile(task.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, int64(6000), state.BytesWritten(), "only the missing span is fetched")
}

func TestResumableAlreadyComplete(t *testing.T) {
	content := []byte("whole file")
	var hits atomic.Int64
	srv := rangedServer(content, &hits)
	defer srv.Close()

	d, _, _ := newTestDownloader(t, srv.URL)
	dir := t.TempDir()
	task := videoTask(dir, int64(len(content)))
	require.NoError(t, os.WriteFile(task.TargetPath, content, 0o644))

	require.NoError(t, d.Download(context.Background(), task))
	assert.Equal(t, int64(0), hits.Load(), "a complete file needs no requests")
}

func TestResumableUnknownSizeProbe(t *testing.T) {
	// A shortcut target: the listing had no size, but 4 bytes are local and
	// the remote file is exactly those 4 bytes.
	content := []byte("data")
	srv := rangedServer(content, nil)
	defer srv.Close()

	d, state, _ := newTestDownloader(t, srv.URL)
	dir := t.TempDir()
	task := videoTask(dir, 0)
	require.NoError(t, os.WriteFile(task.TargetPath, content, 0o644))

	require.NoError(t, d.Download(context.Background(), task))
	assert.Equal(t, int64(0), state.BytesWritten())

	data, err := os.ReadFile(task.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestResumableUnknownSizeStreams(t *testing.T) {
	content := []byte(strings.Repeat("s", 12_345))
	srv := rangedServer(content, nil)
	defer srv.Close()

	d, state, _ := newTestDownloader(t, srv.URL)
	task := videoTask(t.TempDir(), 0) // size unknown, nothing local

	require.NoError(t, d.Download(context.Background(), task))

	data, err := os.ReadFile(task.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, int64(len(content)), state.BytesWritten())
}

func TestResumableRestartsWhenServerIgnoresRange(t *testing.T) {
	content := []byte(strings.Repeat("z", 2000))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always a 200 with the full body, no range handling at all.
		w.Write(content)
	}))
	defer srv.Close()

	d, _, _ := newTestDownloader(t, srv.URL)
	dir := t.TempDir()
	task := videoTask(dir, int64(len(content)))
	// Stale partial with different bytes.
	require.NoError(t, os.WriteFile(task.TargetPath, []byte("old-junk"), 0o644))

	require.NoError(t, d.Download(context.Background(), task))

	data, err := os.ReadFile(task.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, content, data, "stale partial must be replaced by the full body")
}

func TestThumbnailStreamsWhenBudgetExhausted(t *testing.T) {
	payload := []byte(strings.Repeat("j", 5000))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d, state, _ := newTestDownloader(t, srv.URL)
	d.MemBudget = limiter.NewMemory(16) // smaller than the body, forces the streaming path
	m := &metrics.TransferMetrics{}
	d.Metrics = m

	task := previewTask(t, t.TempDir(), srv.URL+"/thumb/img1=s220")
	require.NoError(t, d.Download(context.Background(), task))

	data, err := os.ReadFile(task.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(len(payload)), state.BytesWritten())
	assert.Equal(t, int64(16), d.MemBudget.Available(), "streamed writes leave the budget untouched")
	assert.Equal(t, int64(1), m.Previews.Load())
}

func TestResumableCountsTransferMetrics(t *testing.T) {
	content := []byte(strings.Repeat("a", 4000) + strings.Repeat("b", 6000))
	srv := rangedServer(content, nil)
	defer srv.Close()

	d, _, _ := newTestDownloader(t, srv.URL)
	m := &metrics.TransferMetrics{}
	d.Metrics = m

	dir := t.TempDir()
	task := videoTask(dir, int64(len(content)))
	require.NoError(t, os.WriteFile(task.TargetPath, content[:4000], 0o644))

	require.NoError(t, d.Download(context.Background(), task))
	assert.Equal(t, int64(1), m.Originals.Load())
	assert.Equal(t, int64(1), m.Resumed.Load())
	assert.Equal(t, int64(0), m.ChunkRetries.Load())
}

func TestParseContentRangeTotal(t *testing.T) {
	assert.Equal(t, int64(12345), parseContentRangeTotal("bytes 0-99/12345"))
	assert.Equal(t, int64(500), parseContentRangeTotal("bytes */500"))
	assert.Equal(t, int64(0), parseContentRangeTotal("bytes 0-99/*"))
	assert.Equal(t, int64(0), parseContentRangeTotal(""))
}

func TestThumbnailURL(t *testing.T) {
	assert.Equal(t, "https://x/thumb=w400", thumbnailURL("https://x/thumb=s220", 400))
	assert.Equal(t, "https://x/thumb=w400", thumbnailURL("https://x/thumb=s220-c", 400))
	assert.Equal(t, "https://x/thumb=w400", thumbnailURL("https://x/thumb=w800", 400))
	assert.Equal(t, "https://x/thumb=w400", thumbnailURL("https://x/thumb", 400))
}
