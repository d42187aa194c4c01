package tracker

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestTrackerBeginFinish(t *testing.T) {
	tr := New()

	tr.Begin("/tmp/a")
	tr.Begin("/tmp/b")
	if tr.Count() != 2 {
		t.Errorf("Count() = %d; want 2", tr.Count())
	}

	tr.Finish("/tmp/a")
	if tr.Count() != 1 {
		t.Errorf("Count() = %d after Finish; want 1", tr.Count())
	}

	// Finish on an unknown path is a no-op.
	tr.Finish("/tmp/never-started")
	if tr.Count() != 1 {
		t.Errorf("Count() = %d after bogus Finish; want 1", tr.Count())
	}
}

func TestTrackerCleanupRemovesPartials(t *testing.T) {
	dir := t.TempDir()
	tr := New()

	partial := filepath.Join(dir, "photo__abc123_w400.jpg")
	if err := os.WriteFile(partial, []byte("half written"), 0o644); err != nil {
		t.Fatalf("failed to create partial file: %v", err)
	}
	complete := filepath.Join(dir, "video__def456.mp4")
	if err := os.WriteFile(complete, []byte("all bytes"), 0o644); err != nil {
		t.Fatalf("failed to create complete file: %v", err)
	}

	tr.Begin(partial)
	tr.Begin(complete)
	tr.Finish(complete)
	// A tracked path whose file never appeared must not break cleanup.
	tr.Begin(filepath.Join(dir, "ghost.dat"))

	removed := tr.CleanupAll()
	if removed != 1 {
		t.Errorf("CleanupAll() removed %d files; want 1", removed)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Errorf("partial file still exists after cleanup")
	}
	if _, err := os.Stat(complete); err != nil {
		t.Errorf("finished file was removed by cleanup: %v", err)
	}
	if tr.Count() != 0 {
		t.Errorf("Count() = %d after cleanup; want 0", tr.Count())
	}
}

func TestTrackerConcurrentUse(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			path := filepath.Join("/tmp", "worker", string(rune('a'+n%26)))
			tr.Begin(path)
			tr.Finish(path)
		}(i)
	}
	wg.Wait()

	if tr.Count() != 0 {
		t.Errorf("Count() = %d after balanced Begin/Finish; want 0", tr.Count())
	}
}
