// Package runstate holds the mutable state of one mirror run: download
// counters (grand total and per root, split by media kind), expected totals
// from the pre-scan, the failed-item list used for retry replays, and the
// pause gate. All state lives on one RunState value that is passed to
// whoever needs it.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ontahood/drive-fetch/pkg/media"
	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/util"
)

// FailedTasksFileName is written into the output root after a run with
// failures, so a later retry invocation can replay exactly those items.
const FailedTasksFileName = "failed-tasks.json"

// Counters tracks item outcomes for one scope (a single kind within a root,
// or an aggregate over kinds).
type Counters struct {
	Scanned int64 `json:"scanned"`
	Done    int64 `json:"done"`
	Skipped int64 `json:"skipped"`
	Failed  int64 `json:"failed"`
	Bytes   int64 `json:"bytes_written"`
}

// add merges other into c.
func (c *Counters) add(other Counters) {
	c.Scanned += other.Scanned
	c.Done += other.Done
	c.Skipped += other.Skipped
	c.Failed += other.Failed
	c.Bytes += other.Bytes
}

// KindCounters splits outcome counters by media kind.
type KindCounters struct {
	Images    Counters `json:"images"`
	Videos    Counters `json:"videos"`
	Documents Counters `json:"documents"`
}

// ByKind returns the counters bucket for a kind. Unknown kinds land in
// Documents, matching how classification treats them.
func (k *KindCounters) ByKind(kind media.Kind) *Counters {
	switch kind {
	case media.KindImage:
		return &k.Images
	case media.KindVideo:
		return &k.Videos
	default:
		return &k.Documents
	}
}

// Total sums the three kind buckets.
func (k *KindCounters) Total() Counters {
	var c Counters
	c.add(k.Images)
	c.add(k.Videos)
	c.add(k.Documents)
	return c
}

// KindExpectation is the pre-scan verdict for one kind under one root:
// how many classified files exist remotely, how many are already mirrored,
// and how many bytes the pending downloads are expected to move.
type KindExpectation struct {
	Expected    int64 `json:"expected"`
	AlreadyHave int64 `json:"already_have"`
	Bytes       int64 `json:"pending_bytes"`
}

// LinkSummary is the pre-scan verdict for one configured root link.
type LinkSummary struct {
	Root      string          `json:"root"`
	Images    KindExpectation `json:"images"`
	Videos    KindExpectation `json:"videos"`
	Documents KindExpectation `json:"documents"`
}

// ByKind returns the expectation bucket for a kind.
func (l *LinkSummary) ByKind(kind media.Kind) *KindExpectation {
	switch kind {
	case media.KindImage:
		return &l.Images
	case media.KindVideo:
		return &l.Videos
	default:
		return &l.Documents
	}
}

// FailedItem records enough about a failed download to retry it later
// without re-walking the remote tree. Target is the exact output path the
// failed attempt was writing, so a replay lands in the same place even if
// root folder names changed remotely in between.
type FailedItem struct {
	Root     string `json:"root"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Dir      string `json:"dir"`
	Kind     string `json:"kind"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Target   string `json:"target"`
	Reason   string `json:"reason"`
}

// RunState is safe for concurrent use by all worker pools of a run.
type RunState struct {
	mu        sync.Mutex
	grand     KindCounters
	perRoot   map[string]*KindCounters
	summaries []LinkSummary
	failed    []FailedItem

	expectedItems atomic.Int64
	expectedBytes atomic.Int64
	bytesWritten  atomic.Int64

	gate  *Gate
	start time.Time
}

// New returns an empty RunState with an open pause gate.
func New() *RunState {
	return &RunState{
		perRoot: make(map[string]*KindCounters),
		gate:    NewGate(),
		start:   time.Now(),
	}
}

// Gate returns the pause gate shared by all workers of this run.
func (s *RunState) Gate() *Gate {
	return s.gate
}

// Elapsed returns the wall time since the run started.
func (s *RunState) Elapsed() time.Duration {
	return time.Since(s.start)
}

func (s *RunState) rootCounters(root string) *KindCounters {
	c, ok := s.perRoot[root]
	if !ok {
		c = &KindCounters{}
		s.perRoot[root] = c
	}
	return c
}

// AddScanned records n newly discovered items of a kind for a root.
func (s *RunState) AddScanned(root string, kind media.Kind, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grand.ByKind(kind).Scanned += n
	s.rootCounters(root).ByKind(kind).Scanned += n
}

// MarkDone records one completed download.
func (s *RunState) MarkDone(root string, kind media.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grand.ByKind(kind).Done++
	s.rootCounters(root).ByKind(kind).Done++
}

// MarkSkipped records one item that already existed on disk.
func (s *RunState) MarkSkipped(root string, kind media.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grand.ByKind(kind).Skipped++
	s.rootCounters(root).ByKind(kind).Skipped++
}

// MarkFailed records a failed item for the summary and the retry file.
func (s *RunState) MarkFailed(item FailedItem) {
	kind := media.KindFromString(item.Kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grand.ByKind(kind).Failed++
	s.rootCounters(item.Root).ByKind(kind).Failed++
	s.failed = append(s.failed, item)
}

// AddBytes records bytes actually written to disk.
func (s *RunState) AddBytes(root string, kind media.Kind, n int64) {
	if n <= 0 {
		return
	}
	s.bytesWritten.Add(n)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grand.ByKind(kind).Bytes += n
	s.rootCounters(root).ByKind(kind).Bytes += n
}

// BytesWritten returns the total bytes written so far. This is the hot
// counter progress reporting polls between downloads.
func (s *RunState) BytesWritten() int64 {
	return s.bytesWritten.Load()
}

// AddExpected raises the expected totals established by the pre-scan.
func (s *RunState) AddExpected(items, bytes int64) {
	s.expectedItems.Add(items)
	s.expectedBytes.Add(bytes)
}

// Expected returns the pre-scan totals.
func (s *RunState) Expected() (items, bytes int64) {
	return s.expectedItems.Load(), s.expectedBytes.Load()
}

// AddLinkSummary records the pre-scan verdict for one root link.
func (s *RunState) AddLinkSummary(summary LinkSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
}

// LinkSummaries returns the recorded pre-scan verdicts in root order.
func (s *RunState) LinkSummaries() []LinkSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LinkSummary, len(s.summaries))
	copy(out, s.summaries)
	sort.Slice(out, func(i, j int) bool { return out[i].Root < out[j].Root })
	return out
}

// Snapshot returns the grand counters and per-root counters aggregated over
// kinds.
func (s *RunState) Snapshot() (Counters, map[string]Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perRoot := make(map[string]Counters, len(s.perRoot))
	for root, c := range s.perRoot {
		perRoot[root] = c.Total()
	}
	return s.grand.Total(), perRoot
}

// SnapshotKinds returns the grand counters and per-root counters with the
// per-kind split intact.
func (s *RunState) SnapshotKinds() (KindCounters, map[string]KindCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perRoot := make(map[string]KindCounters, len(s.perRoot))
	for root, c := range s.perRoot {
		perRoot[root] = *c
	}
	return s.grand, perRoot
}

// Failed returns a copy of the failed-item list.
func (s *RunState) Failed() []FailedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailedItem, len(s.failed))
	copy(out, s.failed)
	return out
}

// kindProgress formats "have/expected (pct)" for one kind, counting files
// that were already mirrored before the run as progress.
func kindProgress(e KindExpectation, c Counters) string {
	have := e.AlreadyHave + c.Done
	if e.Expected <= 0 {
		return fmt.Sprintf("%d/%d", have, e.Expected)
	}
	return fmt.Sprintf("%d/%d (%.0f%%)", have, e.Expected,
		100*float64(have)/float64(e.Expected))
}

// LogSummary writes the end-of-run summary: grand totals first with the
// per-kind split, then one line per root against its pre-scan expectations.
func (s *RunState) LogSummary() {
	grand, perRoot := s.SnapshotKinds()
	total := grand.Total()
	expectedItems, expectedBytes := s.Expected()

	plog.Info("run summary",
		"scanned", total.Scanned,
		"done", total.Done,
		"skipped", total.Skipped,
		"failed", total.Failed,
		"written", util.HumanBytes(total.Bytes),
		"expected_items", expectedItems,
		"expected", util.HumanBytes(expectedBytes),
		"elapsed", s.Elapsed().Truncate(time.Second),
	)
	plog.Info("kind summary",
		"images_done", grand.Images.Done,
		"videos_done", grand.Videos.Done,
		"documents_done", grand.Documents.Done,
		"images_written", util.HumanBytes(grand.Images.Bytes),
		"videos_written", util.HumanBytes(grand.Videos.Bytes),
		"documents_written", util.HumanBytes(grand.Documents.Bytes),
	)

	for _, summary := range s.LinkSummaries() {
		c := perRoot[summary.Root]
		plog.Info("root summary",
			"root", summary.Root,
			"images", kindProgress(summary.Images, c.Images),
			"videos", kindProgress(summary.Videos, c.Videos),
			"documents", kindProgress(summary.Documents, c.Documents),
			"failed", c.Total().Failed,
			"written", util.HumanBytes(c.Total().Bytes),
		)
	}

	// Roots that produced counters but no pre-scan summary (retry replays)
	// still get a line.
	summarized := make(map[string]bool)
	for _, summary := range s.LinkSummaries() {
		summarized[summary.Root] = true
	}
	roots := make([]string, 0, len(perRoot))
	for root := range perRoot {
		if !summarized[root] {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	for _, root := range roots {
		c := perRoot[root]
		total := c.Total()
		plog.Info("root summary",
			"root", root,
			"scanned", total.Scanned,
			"done", total.Done,
			"skipped", total.Skipped,
			"failed", total.Failed,
			"written", util.HumanBytes(total.Bytes),
		)
	}
}

// SaveFailed writes the failed-item list into the output root. An empty list
// removes a stale file from a previous run instead.
func (s *RunState) SaveFailed(outputRoot string) error {
	path := filepath.Join(outputRoot, FailedTasksFileName)
	failed := s.Failed()
	if len(failed) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale %s: %w", FailedTasksFileName, err)
		}
		return nil
	}

	data, err := json.MarshalIndent(failed, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal failed items: %w", err)
	}
	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// LoadFailed reads a failed-item list written by a previous run.
func LoadFailed(outputRoot string) ([]FailedItem, error) {
	path := filepath.Join(outputRoot, FailedTasksFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var items []FailedItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return items, nil
}
