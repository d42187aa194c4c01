//go:build windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func platformFreeSpace(path string) (int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var freeToCaller, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeToCaller, &total, &free); err != nil {
		return 0, fmt.Errorf("GetDiskFreeSpaceEx failed for %s: %w", path, err)
	}
	return int64(freeToCaller), nil
}
