// Package metafile persists a small manifest in the output root after every
// run. Other tooling (and the next run's operator) can read when the mirror
// was last touched, in which mode, and how it went.
package metafile

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ontahood/drive-fetch/pkg/util"
)

// MetaFileName is the name of the run manifest in the output root.
const MetaFileName = ".drive-fetch.meta.json"

// Content holds the contents of the run manifest.
type Content struct {
	Version      string    `json:"version"`
	RunID        string    `json:"runId"`
	TimestampUTC time.Time `json:"timestampUTC"`
	Mode         string    `json:"mode"`
	Scanned      int64     `json:"scanned"`
	Done         int64     `json:"done"`
	Failed       int64     `json:"failed"`
	Skipped      int64     `json:"skipped"`
	Bytes        int64     `json:"bytes"`
}

// NewRunID returns a random 16-byte token as a hex string.
func NewRunID() (string, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("could not generate run id: %w", err)
	}
	return hex.EncodeToString(idBytes), nil
}

// Write creates or replaces the manifest in the given directory.
func Write(dirPath string, content *Content) error {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	jsonData, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal manifest: %w", err)
	}

	if err := os.WriteFile(metaFilePath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write manifest %s: %w", metaFilePath, err)
	}
	return nil
}

// Read opens and parses the manifest in a given directory.
func Read(dirPath string) (Content, error) {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	metaFile, err := os.Open(metaFilePath)
	if err != nil {
		// Note: os.IsNotExist errors are handled by the caller.
		return Content{}, err // Return the original error so os.IsNotExist works.
	}
	defer metaFile.Close()

	var content Content
	decoder := json.NewDecoder(metaFile)
	if err := decoder.Decode(&content); err != nil {
		return Content{}, fmt.Errorf("could not parse manifest %s: %w. It may be corrupt", metaFilePath, err)
	}
	return content, nil
}
