package util

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// unsafeNameChars matches characters that are invalid in file names on at
// least one supported platform, plus control characters.
var unsafeNameChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

// folderIDPatterns extract a folder identifier from the URL shapes the
// remote store hands out for shared folders.
var folderIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/folders/([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`[?&]id=([A-Za-z0-9_-]+)`),
}

// rawFolderID matches a bare folder identifier given without any URL around it.
var rawFolderID = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)

// SafeFileName replaces characters that are unsafe in file names with
// underscores and trims leading/trailing whitespace and dots. An empty
// result collapses to a single underscore so the name stays usable.
func SafeFileName(name string) string {
	s := unsafeNameChars.ReplaceAllString(name, "_")
	s = strings.Trim(strings.TrimSpace(s), ".")
	if s == "" {
		return "_"
	}
	return s
}

// ExtractFolderID pulls the folder identifier out of a share URL, or returns
// the input unchanged when it already looks like a bare identifier.
func ExtractFolderID(link string) (string, error) {
	link = strings.TrimSpace(link)
	for _, re := range folderIDPatterns {
		if m := re.FindStringSubmatch(link); m != nil {
			return m[1], nil
		}
	}
	if rawFolderID.MatchString(link) {
		return link, nil
	}
	return "", fmt.Errorf("could not extract a folder id from %q", link)
}

// HumanBytes formats a byte count using binary units, matching the style of
// the run summary output (e.g. "1.5 MiB").
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// EnsureDir creates the directory and any missing parents.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	// Replace the tilde with the home directory.
	return filepath.Join(home, path[1:]), nil
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}
