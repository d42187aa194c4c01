package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ontahood/drive-fetch/pkg/fetch"
	"github.com/ontahood/drive-fetch/pkg/media"
	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/prescan"
	"github.com/ontahood/drive-fetch/pkg/runstate"
)

// ConvertOptions tune a preview-to-original conversion pass.
type ConvertOptions struct {
	// KeepPreviews leaves the preview JPEGs in place after the original
	// has been fetched.
	KeepPreviews bool
}

// Convert upgrades an existing preview mirror to full-resolution originals.
// It walks the local tree for preview targets, fetches each original next to
// its preview, and removes the preview once the original is complete.
func (r *Runner) Convert(ctx context.Context, opts ConvertOptions) error {
	if err := r.preflight(); err != nil {
		return err
	}

	previews, err := r.collectPreviews()
	if err != nil {
		return err
	}
	if len(previews) == 0 {
		plog.Info("no previews found", "output", r.cfg.OutputRoot)
		return nil
	}
	plog.Info("converting previews to originals", "previews", len(previews))

	defer func() {
		if removed := r.tracker.CleanupAll(); removed > 0 {
			plog.Warn("removed partial files", "count", removed)
		}
	}()

	d := fetch.NewDownloader(r.client, r.state, r.tracker)
	d.Metrics = r.metrics
	for _, previewPath := range previews {
		if err := ctx.Err(); err != nil {
			break
		}
		r.convertOne(ctx, d, previewPath, opts)
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

// collectPreviews finds every preview target under the output root.
func (r *Runner) collectPreviews() ([]string, error) {
	var previews []string
	err := filepath.WalkDir(r.cfg.OutputRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if _, ok := media.ParsePreviewTarget(d.Name()); ok {
			previews = append(previews, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for previews: %w", r.cfg.OutputRoot, err)
	}
	return previews, nil
}

func (r *Runner) convertOne(ctx context.Context, d *fetch.Downloader, previewPath string, opts ConvertOptions) {
	id, _ := media.ParsePreviewTarget(filepath.Base(previewPath))
	root, dir := r.splitLocalPath(filepath.Dir(previewPath))
	r.state.AddScanned(root, media.KindImage, 1)

	item, err := r.client.GetItem(ctx, id)
	if err != nil {
		r.markConvertFailed(root, id, previewPath, dir, err)
		return
	}

	kind := media.Classify(item.MimeType, item.Name, item.FileExtension)
	ext := media.FileExt(item.Name, item.MimeType, item.FileExtension, kind)
	task := prescan.Task{
		Root:         root,
		Item:         item,
		Dir:          dir,
		Kind:         kind,
		TargetPath:   filepath.Join(filepath.Dir(previewPath), media.TargetName(item.Name, item.ID, 0, ext)),
		ExpectedSize: item.Size,
	}

	if info, statErr := os.Stat(task.TargetPath); statErr == nil {
		if item.Size > 0 && info.Size() >= item.Size {
			r.state.MarkSkipped(root, task.Kind)
			if !opts.KeepPreviews {
				r.removePreview(previewPath)
			}
			return
		}
		task.LocalSize = info.Size()
		if item.Size > 0 {
			task.ExpectedSize = item.Size - info.Size()
		}
	}
	if err := d.Download(ctx, task); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.markConvertFailed(root, id, previewPath, dir, err)
		return
	}
	r.state.MarkDone(root, task.Kind)

	if !opts.KeepPreviews {
		r.removePreview(previewPath)
	}
}

func (r *Runner) removePreview(previewPath string) {
	if err := os.Remove(previewPath); err != nil {
		plog.Warn("failed to remove preview", "path", previewPath, "error", err)
	} else {
		plog.Notice("removed preview", "path", previewPath)
	}
}

func (r *Runner) markConvertFailed(root, id, previewPath, dir string, err error) {
	plog.Error("conversion failed", "preview", previewPath, "error", err)
	r.state.MarkFailed(runstate.FailedItem{
		Root:   root,
		ID:     id,
		Name:   filepath.Base(previewPath),
		Dir:    dir,
		Kind:   media.KindImage.String(),
		Reason: err.Error(),
	})
}

// splitLocalPath maps a local directory back to its root label and the
// slash-separated remote-relative dir.
func (r *Runner) splitLocalPath(localDir string) (root, dir string) {
	rel, err := filepath.Rel(r.cfg.OutputRoot, localDir)
	if err != nil || rel == "." {
		return "convert", ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], "/")
}
