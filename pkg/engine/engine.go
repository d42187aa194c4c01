// Package engine orchestrates a mirror run: preflight, pre-scan, the three
// download phases, cleanup of partial files, and the end-of-run summary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ontahood/drive-fetch/pkg/backoff"
	"github.com/ontahood/drive-fetch/pkg/buildinfo"
	"github.com/ontahood/drive-fetch/pkg/drive"
	"github.com/ontahood/drive-fetch/pkg/fetch"
	"github.com/ontahood/drive-fetch/pkg/media"
	"github.com/ontahood/drive-fetch/pkg/metafile"
	"github.com/ontahood/drive-fetch/pkg/metrics"
	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/preflight"
	"github.com/ontahood/drive-fetch/pkg/prescan"
	"github.com/ontahood/drive-fetch/pkg/runstate"
	"github.com/ontahood/drive-fetch/pkg/tracker"
	"github.com/ontahood/drive-fetch/pkg/util"
)

// Worker pool defaults and limits. Images parallelize well because previews
// are small; videos stay strictly sequential so one large stream gets the
// whole pipe; documents take half the image pool.
const (
	DefaultImageWorkers = 6
	MaxImageWorkers     = 12
)

// ErrPartial is returned when the run finished but some items failed. The
// failed-tasks file in the output root lists them for a retry invocation.
var ErrPartial = errors.New("run completed with failures")

// Config describes one mirror run.
type Config struct {
	OutputRoot   string
	Roots        []prescan.Root
	PreviewWidth int
	ImageWorkers int
	ScanWorkers  int
	// MinFreeSpace is an absolute floor checked before the scan. The scan's
	// expected byte total is checked on top of it.
	MinFreeSpace int64
	// SkipVideos and SkipDocuments leave those kinds out of the run.
	SkipVideos    bool
	SkipDocuments bool
	// RetryAttempts overrides the chunk retry ceiling. Zero keeps the default.
	RetryAttempts int
	// Mode names the invocation (fetch, convert, retry) in the run manifest.
	Mode    string
	Metrics bool
	DryRun  bool
}

func (c *Config) imageWorkers() int {
	w := c.ImageWorkers
	if w <= 0 {
		w = DefaultImageWorkers
	}
	if w > MaxImageWorkers {
		w = MaxImageWorkers
	}
	return w
}

func (c *Config) documentWorkers() int {
	return max(1, c.imageWorkers()/2)
}

// Runner executes runs against one store session.
type Runner struct {
	cfg     Config
	client  *drive.Client
	state   *runstate.RunState
	tracker *tracker.Tracker
	metrics metrics.Metrics
}

// New builds a Runner with fresh run state.
func New(cfg Config, client *drive.Client) *Runner {
	var m metrics.Metrics = &metrics.NoopMetrics{}
	if cfg.Metrics {
		m = &metrics.TransferMetrics{}
	}
	return &Runner{
		cfg:     cfg,
		client:  client,
		state:   runstate.New(),
		tracker: tracker.New(),
		metrics: m,
	}
}

// State exposes the run state, mainly so the caller can wire the pause gate
// to a signal handler.
func (r *Runner) State() *runstate.RunState {
	return r.state
}

// Run performs a full mirror pass. In-flight partial files are removed on
// any exit path, including cancellation.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.preflight(); err != nil {
		return err
	}

	plog.Info("starting pre-scan", "roots", len(r.cfg.Roots))
	plan, err := prescan.Scan(ctx, r.client, r.cfg.Roots, r.state, prescan.Options{
		OutputRoot:    r.cfg.OutputRoot,
		PreviewWidth:  r.cfg.PreviewWidth,
		Workers:       r.cfg.ScanWorkers,
		SkipVideos:    r.cfg.SkipVideos,
		SkipDocuments: r.cfg.SkipDocuments,
	})
	if err != nil {
		return fmt.Errorf("pre-scan failed: %w", err)
	}

	if expected := plan.ExpectedBytes(); expected > 0 {
		if err := preflight.CheckFreeSpace(r.cfg.OutputRoot, expected+r.cfg.MinFreeSpace); err != nil {
			return err
		}
	}

	if r.cfg.DryRun {
		r.logDryRun(plan)
		return nil
	}

	return r.execute(ctx, plan)
}

// Retry replays the failed items recorded by a previous run.
func (r *Runner) Retry(ctx context.Context) error {
	failed, err := runstate.LoadFailed(r.cfg.OutputRoot)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		plog.Info("nothing to retry", "output", r.cfg.OutputRoot)
		return nil
	}
	if err := r.preflight(); err != nil {
		return err
	}

	plan := &prescan.Plan{}
	for _, item := range failed {
		task := r.taskFromFailed(item)
		switch task.Kind {
		case media.KindImage:
			plan.Images = append(plan.Images, task)
		case media.KindVideo:
			plan.Videos = append(plan.Videos, task)
		default:
			plan.Documents = append(plan.Documents, task)
		}
		r.state.AddScanned(item.Root, task.Kind, 1)
	}
	r.state.AddExpected(int64(plan.Total()), plan.ExpectedBytes())

	plog.Info("retrying failed items",
		"images", len(plan.Images), "videos", len(plan.Videos), "documents", len(plan.Documents))
	return r.execute(ctx, plan)
}

// execute runs the download phases over an existing plan.
func (r *Runner) execute(ctx context.Context, plan *prescan.Plan) error {
	// Whatever happens below, never leave half-written files behind.
	defer func() {
		if removed := r.tracker.CleanupAll(); removed > 0 {
			plog.Warn("removed partial files", "count", removed)
		}
	}()

	phases := []struct {
		name    string
		tasks   []prescan.Task
		workers int
	}{
		{"images", plan.Images, r.cfg.imageWorkers()},
		{"videos", plan.Videos, 1},
		{"documents", plan.Documents, r.cfg.documentWorkers()},
	}

	for _, phase := range phases {
		if len(phase.tasks) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}
		plog.Info("starting phase", "phase", phase.name, "tasks", len(phase.tasks), "workers", phase.workers)
		r.runPool(ctx, phase.tasks, phase.workers)
	}

	if err := r.state.SaveFailed(r.cfg.OutputRoot); err != nil {
		plog.Error("failed to persist failed-task list", "error", err)
	}
	r.state.LogSummary()
	r.metrics.Log()
	r.writeManifest()

	if err := ctx.Err(); err != nil {
		return err
	}
	if grand, _ := r.state.Snapshot(); grand.Failed > 0 {
		return fmt.Errorf("%w: %d items", ErrPartial, grand.Failed)
	}
	return nil
}

// runPool fans tasks out to a fixed set of workers. Every worker holds its
// own Downloader, and with it its own HTTP sessions. Task failures are
// recorded, they never abort the pool.
func (r *Runner) runPool(ctx context.Context, tasks []prescan.Task, workers int) {
	if workers > len(tasks) {
		workers = len(tasks)
	}

	taskCh := make(chan prescan.Task)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := fetch.NewDownloader(r.client, r.state, r.tracker)
			d.Metrics = r.metrics
			if r.cfg.RetryAttempts > 0 {
				d.ChunkRetry = backoff.New(r.cfg.RetryAttempts)
			}
			for task := range taskCh {
				r.runTask(ctx, d, task)
			}
		}()
	}

feed:
	for _, task := range tasks {
		select {
		case <-ctx.Done():
			break feed
		case taskCh <- task:
		}
	}
	close(taskCh)
	wg.Wait()
}

func (r *Runner) runTask(ctx context.Context, d *fetch.Downloader, task prescan.Task) {
	if err := ctx.Err(); err != nil {
		return
	}
	err := d.Download(ctx, task)
	switch {
	case err == nil:
		r.state.MarkDone(task.Root, task.Kind)
	case errors.Is(err, context.Canceled):
		// Interrupted, not failed. The next run resumes or retries it.
	default:
		plog.Error("download failed", "name", task.Item.Name, "dir", task.Dir, "error", err)
		r.state.MarkFailed(runstate.FailedItem{
			Root:     task.Root,
			ID:       task.Item.ID,
			Name:     task.Item.Name,
			Dir:      task.Dir,
			Kind:     task.Kind.String(),
			MimeType: task.Item.MimeType,
			Size:     task.Item.Size,
			Target:   task.TargetPath,
			Reason:   err.Error(),
		})
	}
}

// writeManifest records the run's outcome in the output root. A manifest
// that cannot be written never fails the run.
func (r *Runner) writeManifest() {
	runID, err := metafile.NewRunID()
	if err != nil {
		plog.Warn("could not write run manifest", "error", err)
		return
	}
	mode := r.cfg.Mode
	if mode == "" {
		mode = "fetch"
	}
	grand, _ := r.state.Snapshot()
	content := &metafile.Content{
		Version:      buildinfo.Version,
		RunID:        runID,
		TimestampUTC: time.Now().UTC(),
		Mode:         mode,
		Scanned:      grand.Scanned,
		Done:         grand.Done,
		Failed:       grand.Failed,
		Skipped:      grand.Skipped,
		Bytes:        grand.Bytes,
	}
	if err := metafile.Write(r.cfg.OutputRoot, content); err != nil {
		plog.Warn("could not write run manifest", "error", err)
	}
}

func (r *Runner) preflight() error {
	if err := preflight.CheckOutputRootAccessible(r.cfg.OutputRoot); err != nil {
		return err
	}
	if err := preflight.CheckOutputRootWritable(r.cfg.OutputRoot); err != nil {
		return err
	}
	return preflight.CheckFreeSpace(r.cfg.OutputRoot, r.cfg.MinFreeSpace)
}

func (r *Runner) logDryRun(plan *prescan.Plan) {
	for _, tasks := range [][]prescan.Task{plan.Images, plan.Videos, plan.Documents} {
		for _, task := range tasks {
			plog.Notice("would download",
				"kind", task.Kind.String(),
				"target", task.TargetPath,
				"expected", util.HumanBytes(task.ExpectedSize))
		}
	}
	plog.Info("dry run complete", "tasks", plan.Total(), "expected", util.HumanBytes(plan.ExpectedBytes()))
}

// taskFromFailed rebuilds a download task from a persisted failure record.
// The recorded target path is replayed verbatim so the retry lands exactly
// where the failed attempt was writing.
func (r *Runner) taskFromFailed(item runstate.FailedItem) prescan.Task {
	kind := media.KindFromString(item.Kind)
	preview := kind == media.KindImage && r.cfg.PreviewWidth > 0

	var expected int64
	if preview {
		expected = media.EstimateThumbnailSize(r.cfg.PreviewWidth)
	} else {
		expected = item.Size
	}

	target := item.Target
	if target == "" {
		// Hand-edited record without a target, rebuild one from the naming
		// rules. The root label stands in for the resolved folder name.
		var name string
		if preview {
			name = media.TargetName(item.Name, item.ID, r.cfg.PreviewWidth, "")
		} else {
			ext := media.FileExt(item.Name, item.MimeType, "", kind)
			name = media.TargetName(item.Name, item.ID, 0, ext)
		}
		target = filepath.Join(r.cfg.OutputRoot, util.SafeFileName(item.Root),
			filepath.FromSlash(item.Dir), name)
	}

	task := prescan.Task{
		Root: item.Root,
		Item: drive.Item{
			ID:       item.ID,
			Name:     item.Name,
			MimeType: item.MimeType,
			Size:     item.Size,
		},
		Dir:          item.Dir,
		Kind:         kind,
		ExpectedSize: expected,
		TargetPath:   target,
	}
	if preview {
		task.PreviewWidth = r.cfg.PreviewWidth
	}
	return task
}
