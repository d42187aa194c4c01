package metafile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteAndReadManifest(t *testing.T) {
	tempDir := t.TempDir()

	testContent := Content{
		Version:      "1.0.0",
		RunID:        "run-1234",
		TimestampUTC: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Mode:         "fetch",
		Scanned:      42,
		Done:         40,
		Failed:       1,
		Skipped:      1,
		Bytes:        123456,
	}

	if err := Write(tempDir, &testContent); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	metaFilePath := filepath.Join(tempDir, MetaFileName)
	if _, err := os.Stat(metaFilePath); os.IsNotExist(err) {
		t.Fatalf("Manifest was not created at %s", metaFilePath)
	}

	readContent, err := Read(tempDir)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	if readContent != testContent {
		t.Errorf("Expected %+v, got %+v", testContent, readContent)
	}
}

func TestNewRunIDIsUnique(t *testing.T) {
	a, err := NewRunID()
	if err != nil {
		t.Fatalf("NewRunID() failed: %v", err)
	}
	b, err := NewRunID()
	if err != nil {
		t.Fatalf("NewRunID() failed: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("Expected 32 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("Expected distinct run ids")
	}
}

func TestReadNonExistentManifest(t *testing.T) {
	tempDir := t.TempDir()
	_, err := Read(tempDir)
	if err == nil {
		t.Fatal("Expected an error when reading a non-existent manifest, but got nil")
	}
	if !os.IsNotExist(err) {
		t.Errorf("Expected os.IsNotExist error, got %v", err)
	}
}

func TestReadCorruptManifest(t *testing.T) {
	tempDir := t.TempDir()
	metaFilePath := filepath.Join(tempDir, MetaFileName)
	if err := os.WriteFile(metaFilePath, []byte("{invalid json"), 0644); err != nil {
		t.Fatalf("Failed to write corrupt manifest: %v", err)
	}

	_, err := Read(tempDir)
	if err == nil {
		t.Fatal("Expected an error when reading a corrupt manifest, but got nil")
	}
	if !strings.Contains(err.Error(), "could not parse manifest") {
		t.Errorf("Expected error about parsing manifest, got %v", err)
	}
}
