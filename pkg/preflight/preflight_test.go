package preflight

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckOutputRootAccessible(t *testing.T) {
	t.Run("Existing directory passes", func(t *testing.T) {
		if err := CheckOutputRootAccessible(t.TempDir()); err != nil {
			t.Errorf("expected a plain directory to be accepted, but got: %v", err)
		}
	})

	t.Run("Missing directory passes", func(t *testing.T) {
		if err := CheckOutputRootAccessible(filepath.Join(t.TempDir(), "not", "yet")); err != nil {
			t.Errorf("expected a missing output root to be accepted, but got: %v", err)
		}
	})

	t.Run("Error - Output root is a file", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "root.txt")
		if err := os.WriteFile(target, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}

		err := CheckOutputRootAccessible(target)
		if err == nil {
			t.Fatal("expected an error when output root is a file, but got nil")
		}
		if !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected error to be about 'not a directory', but got: %v", err)
		}
	})
}

func TestCheckOutputRootWritable(t *testing.T) {
	t.Run("Happy Path - Creates missing directories", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "mirror", "photos")
		if err := CheckOutputRootWritable(root); err != nil {
			t.Errorf("expected no error, but got: %v", err)
		}
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			t.Errorf("expected output root to exist as a directory after check")
		}
		// The probe file must not linger.
		if _, err := os.Stat(filepath.Join(root, ".drive-fetch-writetest.tmp")); !os.IsNotExist(err) {
			t.Errorf("write probe file was left behind")
		}
	})

	t.Run("Error - Parent is a file", func(t *testing.T) {
		parent := filepath.Join(t.TempDir(), "blocker")
		if err := os.WriteFile(parent, []byte("x"), 0644); err != nil {
			t.Fatalf("failed to create blocker file: %v", err)
		}
		if err := CheckOutputRootWritable(filepath.Join(parent, "sub")); err == nil {
			t.Error("expected an error when the parent is a file, but got nil")
		}
	})
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()

	t.Run("Zero requirement disables the check", func(t *testing.T) {
		if err := CheckFreeSpace(dir, 0); err != nil {
			t.Errorf("expected no error with zero requirement, but got: %v", err)
		}
	})

	t.Run("Small requirement passes", func(t *testing.T) {
		if err := CheckFreeSpace(dir, 1024); err != nil {
			t.Errorf("expected 1 KiB of free space to be available, but got: %v", err)
		}
	})

	t.Run("Absurd requirement fails", func(t *testing.T) {
		const exabyte = int64(1) << 60
		err := CheckFreeSpace(dir, exabyte)
		if err == nil {
			t.Fatal("expected an error for a 1 EiB requirement, but got nil")
		}
		if !strings.Contains(err.Error(), "not enough free space") {
			t.Errorf("expected a free-space error, but got: %v", err)
		}
	})
}
