// Package prescan walks the remote trees before any download starts and
// diffs them against the local mirror. The result is a plan of concrete
// download tasks partitioned by category, plus per-root expectations that
// drive progress reporting and the free-space preflight.
package prescan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ontahood/drive-fetch/pkg/drive"
	"github.com/ontahood/drive-fetch/pkg/media"
	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/runstate"
	"github.com/ontahood/drive-fetch/pkg/util"
)

// DefaultWorkers is the number of roots scanned concurrently.
const DefaultWorkers = 3

// unknownSizeEstimate feeds progress totals for files whose size the store
// does not report even on a point lookup. It never gates a download.
const unknownSizeEstimate = 100 * 1024

// Root is one remote tree to mirror. Label becomes the first directory level
// under the output root; the resolved remote folder name becomes the second.
type Root struct {
	Label    string
	FolderID string
}

// Task is one pending download decided by the scan.
type Task struct {
	Root         string
	Item         drive.Item
	Dir          string
	Kind         media.Kind
	TargetPath   string
	PreviewWidth int
	// ExpectedSize is the bytes still to fetch: the remote size minus any
	// local partial, or an estimate for previews and files of unknown size.
	ExpectedSize int64
	// LocalSize is the length of an existing partial file to resume from.
	LocalSize int64
}

// Plan is the output of a scan, tasks partitioned by download category in
// walk order.
type Plan struct {
	Images    []Task
	Videos    []Task
	Documents []Task
	Stats     drive.WalkStats
}

// Total returns the number of tasks across all categories.
func (p *Plan) Total() int {
	return len(p.Images) + len(p.Videos) + len(p.Documents)
}

// ExpectedBytes sums the expected sizes of all tasks.
func (p *Plan) ExpectedBytes() int64 {
	var total int64
	for _, tasks := range [][]Task{p.Images, p.Videos, p.Documents} {
		for i := range tasks {
			total += tasks[i].ExpectedSize
		}
	}
	return total
}

// Options configure a scan.
type Options struct {
	OutputRoot string
	// PreviewWidth selects preview mode for images: previews are fetched as
	// JPEGs at this pixel width. Zero means full-resolution originals.
	PreviewWidth int
	// Workers bounds the number of roots walked concurrently.
	Workers int
	// SkipVideos and SkipDocuments leave those kinds out of the plan.
	SkipVideos    bool
	SkipDocuments bool
}

// Scan walks every root and returns the combined plan. Roots are scanned
// concurrently on separate API sessions, but the plan lists tasks in root
// order so two scans of an unchanged store produce identical plans.
//
// A root that cannot be scanned (revoked share, deleted folder, a link that
// never pointed at a folder) contributes nothing but does not stop its
// siblings; the failure surfaces in the per-root summary instead. Scan
// itself only errors when the context is cancelled.
func Scan(ctx context.Context, client *drive.Client, roots []Root, state *runstate.RunState, opts Options) (*Plan, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	perRoot := make([]*Plan, len(roots))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range roots {
		i := i
		g.Go(func() error {
			// Each scan worker holds its own API session.
			rp, err := scanRoot(gctx, client.Clone(), roots[i], state, opts)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				plog.Warn("skipping unscannable root",
					"root", roots[i].Label, "folder_id", roots[i].FolderID, "error", err)
				return nil
			}
			mu.Lock()
			perRoot[i] = rp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	plan := &Plan{}
	for _, rp := range perRoot {
		if rp == nil {
			continue
		}
		plan.Images = append(plan.Images, rp.Images...)
		plan.Videos = append(plan.Videos, rp.Videos...)
		plan.Documents = append(plan.Documents, rp.Documents...)
		plan.Stats.Add(rp.Stats)
	}

	state.AddExpected(int64(plan.Total()), plan.ExpectedBytes())
	plog.Info("pre-scan complete",
		"images", len(plan.Images),
		"videos", len(plan.Videos),
		"documents", len(plan.Documents),
		"skipped", func() int64 { grand, _ := state.Snapshot(); return grand.Skipped }(),
		"expected", util.HumanBytes(plan.ExpectedBytes()),
		"folder_shortcuts", plan.Stats.FolderShortcuts,
		"file_shortcuts", plan.Stats.FileShortcuts,
	)
	return plan, nil
}

func scanRoot(ctx context.Context, client *drive.Client, root Root, state *runstate.RunState, opts Options) (*Plan, error) {
	rootName, err := client.ResolveFolder(ctx, root.FolderID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	summary := runstate.LinkSummary{Root: root.Label}
	localRoot := filepath.Join(opts.OutputRoot,
		util.SafeFileName(root.Label), util.SafeFileName(rootName))

	stats, err := client.Walk(ctx, root.FolderID, func(f drive.File) error {
		kind := media.Classify(f.Item.MimeType, f.Item.Name, f.Item.FileExtension)
		state.AddScanned(root.Label, kind, 1)
		summary.ByKind(kind).Expected++

		if (kind == media.KindVideo && opts.SkipVideos) ||
			(kind == media.KindDocument && opts.SkipDocuments) {
			state.MarkSkipped(root.Label, kind)
			return nil
		}

		preview := kind == media.KindImage && opts.PreviewWidth > 0
		if !preview && f.Item.Size == 0 {
			// Listings omit sizes for some items, file shortcuts mostly.
			// A point lookup usually fills the gap.
			if size, err := client.GetSize(ctx, f.Item.ID); err == nil {
				f.Item.Size = size
			} else {
				plog.Debug("size lookup failed", "id", f.Item.ID, "name", f.Item.Name, "error", err)
			}
		}

		task, skip := diffFile(root.Label, localRoot, f, kind, opts.PreviewWidth)
		if skip {
			state.MarkSkipped(root.Label, kind)
			summary.ByKind(kind).AlreadyHave++
			return nil
		}
		summary.ByKind(kind).Bytes += task.ExpectedSize

		switch kind {
		case media.KindImage:
			plan.Images = append(plan.Images, task)
		case media.KindVideo:
			plan.Videos = append(plan.Videos, task)
		default:
			plan.Documents = append(plan.Documents, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	plan.Stats = stats
	state.AddLinkSummary(summary)

	plog.Info("scanned root",
		"root", root.Label,
		"name", rootName,
		"folders", stats.Folders,
		"files", stats.Files,
		"pending", plan.Total(),
	)
	return plan, nil
}

// diffFile compares one remote file against the local mirror and either
// produces a task or decides the file is already complete.
func diffFile(rootLabel, localRoot string, f drive.File, kind media.Kind, previewWidth int) (Task, bool) {
	preview := kind == media.KindImage && previewWidth > 0

	var name string
	var expected int64
	if preview {
		name = media.TargetName(f.Item.Name, f.Item.ID, previewWidth, "")
		expected = media.EstimateThumbnailSize(previewWidth)
	} else {
		ext := media.FileExt(f.Item.Name, f.Item.MimeType, f.Item.FileExtension, kind)
		name = media.TargetName(f.Item.Name, f.Item.ID, 0, ext)
		expected = f.Item.Size
		if expected == 0 {
			expected = unknownSizeEstimate
		}
	}
	targetPath := filepath.Join(localRoot, filepath.FromSlash(f.Dir), name)

	fullTask := func() Task {
		task := Task{
			Root: rootLabel, Item: f.Item, Dir: f.Dir, Kind: kind,
			TargetPath: targetPath, ExpectedSize: expected,
		}
		if preview {
			task.PreviewWidth = previewWidth
		}
		return task
	}

	info, err := os.Stat(targetPath)
	if err != nil || info.IsDir() {
		// Nothing local yet, full download.
		return fullTask(), false
	}

	localSize := info.Size()
	if preview {
		// Previews are written atomically, so an existing file is complete.
		// A zero-length one is debris from a crashed rename and is refetched.
		if localSize > 0 {
			return Task{}, true
		}
		return fullTask(), false
	}

	if f.Item.Size > 0 && localSize < f.Item.Size {
		// A partial from an interrupted run, resume from the local length.
		return Task{
			Root: rootLabel, Item: f.Item, Dir: f.Dir, Kind: kind,
			TargetPath:   targetPath,
			ExpectedSize: f.Item.Size - localSize,
			LocalSize:    localSize,
		}, false
	}

	// Local file covers the remote size (or the remote size is unknown).
	return Task{}, true
}
