// Package preflight validates the local environment before a run touches the
// remote store. The checks are stateless apart from creating the output root,
// and they exist to turn confusing mid-run failures (full disk, read-only
// target) into clear errors up front.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ontahood/drive-fetch/pkg/util"
)

// CheckOutputRootAccessible verifies the output root is usable before any
// download starts. A missing path is fine, the writable check creates it;
// an existing path must be a directory.
func CheckOutputRootAccessible(outputRoot string) error {
	info, err := os.Stat(outputRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot access output root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output root exists but is not a directory: %s", outputRoot)
	}
	return nil
}

// CheckOutputRootWritable ensures the output root can be created and accepts
// writes, by creating and deleting a probe file.
func CheckOutputRootWritable(outputRoot string) error {
	if err := os.MkdirAll(outputRoot, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create output root %s: %w", outputRoot, err)
	}

	probe := filepath.Join(outputRoot, ".drive-fetch-writetest.tmp")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("output root %s is not writable: %w", outputRoot, err)
	}
	f.Close()
	_ = os.Remove(probe)
	return nil
}

// FreeSpace reports the bytes available to the current user on the volume
// holding path.
func FreeSpace(path string) (int64, error) {
	return platformFreeSpace(path)
}

// CheckFreeSpace fails when the volume holding path has less than required
// bytes available. A required value of zero disables the check.
func CheckFreeSpace(path string, required int64) error {
	if required <= 0 {
		return nil
	}
	free, err := FreeSpace(path)
	if err != nil {
		return fmt.Errorf("failed to determine free space for %s: %w", path, err)
	}
	if free < required {
		return fmt.Errorf("not enough free space on %s: %s available, %s required",
			path, util.HumanBytes(free), util.HumanBytes(required))
	}
	return nil
}
