// Package lockfile guards an output root against concurrent mirror runs.
// The holder creates the lock file exclusively and refreshes it with a
// heartbeat; another process may seize the lock only after the heartbeat has
// been silent for longer than the stale timeout.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/util"
)

// LockFileName is created in the output root. The '~' prefix marks it as
// transient bookkeeping, not mirrored data.
const LockFileName = ".~drive-fetch.lock"

// LockContent is the JSON body of the lock file, enough to tell a user who
// holds the output root.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	AppID      string    `json:"appID"`
}

// ErrLockActive reports a lock held by a live process.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), last updated %s ago",
		e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when another contender claimed a stale lock first.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates an unreadable lock file, empty or invalid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock is a held output-root lock. Release stops the heartbeat and removes
// the file.
type Lock struct {
	path    string
	content LockContent
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	held    bool
}

// Vars so tests can shrink the timing.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout leaves room for a few missed heartbeats before a lock
	// counts as abandoned.
	staleTimeout = 3 * heartbeatInterval
)

const acquireAttempts = 3

// Acquire takes the lock for dirPath. ctx bounds the acquisition attempt,
// not the heartbeat. A held fresh lock returns *ErrLockActive; a stale or
// corrupt one is seized.
func Acquire(ctx context.Context, dirPath string, appID string) (*Lock, error) {
	lockPath := filepath.Join(dirPath, LockFileName)

	for i := 0; i < acquireAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lock, err := tryAcquire(lockPath, appID)
		if err == nil {
			sweepLockDebris(lockPath)
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// Someone holds the file. Decide whether they are still alive.
		content, readErr := readLockContent(lockPath)
		switch {
		case readErr == nil:
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					AppID:     content.AppID,
					TimeSince: elapsed,
				}
			}
			plog.Warn("found stale lock, attempting takeover", "pid", content.PID, "age", elapsed)
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("found corrupt lock file, treating as stale", "path", lockPath, "error", readErr)
		case os.IsNotExist(readErr):
			// Released between our create attempt and the read. Retry.
			continue
		default:
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if err := claimStaleLock(lockPath); err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("lock takeover failed, retrying", "error", err)
			}
			time.Sleep(100 * time.Millisecond)
		}
		// The stale file is gone either way, the next loop races on the
		// exclusive create.
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", acquireAttempts)
}

// tryAcquire creates the lock file with O_EXCL. This is the only way a lock
// is ever granted, so holding the file means holding the lock.
func tryAcquire(lockPath string, appID string) (*Lock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	content := LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		AppID:      appID,
	}

	l := newLock(lockPath, content)
	if err := writeLockContent(f, content); err != nil {
		l.cleanup()
		return nil, err
	}
	return l, nil
}

// claimStaleLock removes a stale lock so contenders can race on the
// exclusive create again. The rename is atomic, so exactly one contender
// moves the stale file aside; everyone else loses the race.
func claimStaleLock(lockPath string) error {
	claimPath := fmt.Sprintf("%s.%d.%d.claim", lockPath, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(lockPath, claimPath); err != nil {
		if os.IsNotExist(err) {
			return ErrLostRace
		}
		return fmt.Errorf("failed to claim stale lock: %w", err)
	}
	if err := os.Remove(claimPath); err != nil && !os.IsNotExist(err) {
		plog.Warn("failed to remove claimed stale lock", "path", claimPath, "error", err)
	}
	plog.Debug("removed stale lock", "path", lockPath)
	return nil
}

func newLock(lockPath string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    lockPath,
		content: content,
		ctx:     ctx,
		cancel:  cancel,
		held:    true,
	}
}

// Release stops the heartbeat and removes the lock file. Safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel()
	l.cleanup()
	l.held = false
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("failed to remove lock file", "path", l.path, "error", err)
		}
	} else {
		plog.Debug("lock released", "path", l.path)
	}
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := updateLockFileAtomic(l.path, l.content); err != nil {
				// Try again next tick.
				plog.Warn("heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateLockFileAtomic refreshes the lock through a temp file and rename, so
// a reader never sees a truncated body. The temp file must live in the same
// directory, rename is only atomic within one filesystem.
func updateLockFileAtomic(lockPath string, content LockContent) error {
	tmpF, err := os.CreateTemp(filepath.Dir(lockPath), filepath.Base(lockPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("failed to remove temporary lock file", "path", tmpF.Name(), "error", err)
		}
	}()

	if err := writeLockContent(tmpF, content); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpF.Name(), lockPath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// sweepLockDebris removes heartbeat temp files and takeover claims left by
// crashed runs. Only files past the stale timeout go, anything younger may
// belong to a live process.
func sweepLockDebris(lockPath string) {
	threshold := time.Now().Add(-staleTimeout)
	for _, suffix := range []string{".*.tmp", ".*.claim"} {
		matches, err := filepath.Glob(lockPath + suffix)
		if err != nil {
			continue
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || !info.ModTime().Before(threshold) {
				continue
			}
			plog.Debug("removing leftover lock debris", "path", match, "age", time.Since(info.ModTime()))
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				plog.Warn("failed to remove leftover lock debris", "path", match, "error", err)
			}
		}
	}
}

func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContent reads and parses the lock file. A heartbeat rename can
// briefly present an odd transient state on some filesystems, so empty or
// unparsable bodies get a couple of retries before counting as corrupt.
func readLockContent(lockPath string) (LockContent, error) {
	var corruptErr error
	for i := 0; i < 3; i++ {
		data, err := os.ReadFile(lockPath)
		if err != nil {
			return LockContent{}, err
		}
		if len(data) == 0 {
			corruptErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		if err := json.Unmarshal(data, &content); err != nil {
			corruptErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}
	return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, corruptErr)
}
