// Package tracker records download targets that are mid-write so an
// interrupted run can remove partial files instead of leaving them behind
// to corrupt a later resume.
package tracker

import (
	"os"

	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/sharded"
)

const numShards = 64

// Tracker is a concurrent set of file paths currently being written.
// Workers call Begin before the first byte and Finish after a successful
// rename or close. Anything still tracked at shutdown is a partial file.
type Tracker struct {
	targets *sharded.Set
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{targets: sharded.NewSet(numShards)}
}

// Begin marks path as an in-flight download target.
func (t *Tracker) Begin(path string) {
	t.targets.Store(path)
}

// Finish marks path as fully written.
func (t *Tracker) Finish(path string) {
	t.targets.Delete(path)
}

// Count returns the number of in-flight targets.
func (t *Tracker) Count() int {
	return t.targets.Count()
}

// CleanupAll removes every tracked partial file from disk and returns the
// number of files actually deleted. Partials that survive a hard kill
// without cleanup are picked up by the next run's scan instead.
func (t *Tracker) CleanupAll() int {
	removed := 0
	for _, path := range t.targets.Keys() {
		if _, err := os.Stat(path); err != nil {
			t.targets.Delete(path)
			continue
		}
		if err := os.Remove(path); err != nil {
			plog.Warn("failed to remove partial file", "path", path, "error", err)
			continue
		}
		plog.Notice("removed partial file", "path", path)
		t.targets.Delete(path)
		removed++
	}
	return removed
}
