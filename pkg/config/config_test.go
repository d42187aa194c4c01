package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ontahood/drive-fetch/pkg/flagparse"
)

func TestConfig_Validate(t *testing.T) {
	// Helper to get a valid base config for testing
	newValidConfig := func(t *testing.T) Config {
		cfg := NewDefault()
		cfg.OutputRoot = t.TempDir()
		cfg.Roots = []RootConfig{{Label: "photos", Folder: "1AbCdEfGhIjKlMnOp"}}
		cfg.Auth.Token = "t"
		return cfg
	}

	t.Run("Valid Config", func(t *testing.T) {
		cfg := newValidConfig(t)
		if err := cfg.Validate(true); err != nil {
			t.Errorf("expected valid config to pass validation, but got error: %v", err)
		}
	})

	t.Run("Empty Output Path", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.OutputRoot = ""
		if err := cfg.Validate(true); err == nil {
			t.Error("expected error for empty output path, but got nil")
		}
	})

	t.Run("No Roots", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Roots = nil
		if err := cfg.Validate(true); err == nil {
			t.Error("expected error for empty root list, but got nil")
		}
	})

	t.Run("No Roots Allowed For Init", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Roots = nil
		if err := cfg.Validate(false); err != nil {
			t.Errorf("expected init validation to pass without roots, but got error: %v", err)
		}
	})

	t.Run("Unresolvable Folder Reference", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Roots = []RootConfig{{Label: "bad", Folder: "nope"}}
		if err := cfg.Validate(true); err == nil {
			t.Error("expected error for unresolvable folder reference, but got nil")
		}
	})

	t.Run("Duplicate Root Labels", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Roots = []RootConfig{
			{Label: "photos", Folder: "1AbCdEfGhIjKlMnOp"},
			{Label: "photos", Folder: "2AbCdEfGhIjKlMnOp"},
		}
		if err := cfg.Validate(true); err == nil {
			t.Error("expected error for duplicate root labels, but got nil")
		}
	})

	t.Run("Label With Path Separator", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Roots[0].Label = "a/b"
		if err := cfg.Validate(true); err == nil {
			t.Error("expected error for label with path separator, but got nil")
		}
	})

	t.Run("Preview Width Out Of Range", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Preview.Width = MaxPreviewWidth + 1
		if err := cfg.Validate(true); err == nil {
			t.Error("expected error for oversized preview width, but got nil")
		}
	})

	t.Run("Negative Workers", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Engine.ImageWorkers = -1
		if err := cfg.Validate(true); err == nil {
			t.Error("expected error for negative image workers, but got nil")
		}
	})

	t.Run("Missing Token", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Auth.Token = ""
		cfg.Auth.TokenFile = ""
		if err := cfg.Validate(true); err == nil {
			t.Error("expected error when no token source is configured, but got nil")
		}
	})

	t.Run("Invalid Log File Settings", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.LogFile.Enabled = true
		cfg.LogFile.MaxSizeMB = 0
		if err := cfg.Validate(true); err == nil {
			t.Error("expected error for zero log file size, but got nil")
		}
	})
}

func TestConfig_GenerateAndLoad(t *testing.T) {
	dir := t.TempDir()

	cfg := NewDefault()
	cfg.OutputRoot = dir
	cfg.Roots = []RootConfig{{Label: "photos", Folder: "1AbCdEfGhIjKlMnOp"}}
	cfg.Preview.Width = 800
	cfg.Auth.Token = "secret"
	cfg.Auth.TokenFile = "/etc/drive-fetch/token"

	if err := Generate(cfg); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file was not written: %v", err)
	}
	if bytes.Contains(raw, []byte("secret")) {
		t.Error("access token must never be persisted to the config file")
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.OutputRoot != dir {
		t.Errorf("OutputRoot = %q, want %q", loaded.OutputRoot, dir)
	}
	if len(loaded.Roots) != 1 || loaded.Roots[0].Label != "photos" {
		t.Errorf("roots did not survive the round trip: %+v", loaded.Roots)
	}
	if loaded.Preview.Width != 800 {
		t.Errorf("Preview.Width = %d, want 800", loaded.Preview.Width)
	}
	if loaded.Auth.TokenFile != "/etc/drive-fetch/token" {
		t.Errorf("Auth.TokenFile = %q, want the persisted path", loaded.Auth.TokenFile)
	}
	if loaded.Auth.Token != "" {
		t.Error("Auth.Token must not be loaded from disk")
	}
}

func TestConfig_LoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load of missing config failed: %v", err)
	}
	if cfg.OutputRoot != dir {
		t.Errorf("OutputRoot = %q, want %q", cfg.OutputRoot, dir)
	}
	if cfg.Preview.Width != NewDefault().Preview.Width {
		t.Errorf("expected default preview width, got %d", cfg.Preview.Width)
	}
}

func TestConfig_ResolveRoots(t *testing.T) {
	cfg := NewDefault()
	cfg.Roots = []RootConfig{
		{Label: "photos", Folder: "https://drive.google.com/drive/folders/1AbCdEfGhIjKlMnOp?usp=sharing"},
		{Folder: "2AbCdEfGhIjKlMnOp"},
	}

	roots, err := cfg.ResolveRoots()
	if err != nil {
		t.Fatalf("ResolveRoots failed: %v", err)
	}
	if roots[0].FolderID != "1AbCdEfGhIjKlMnOp" {
		t.Errorf("FolderID = %q, want the id from the share URL", roots[0].FolderID)
	}
	if roots[1].Label != "folder-2" {
		t.Errorf("Label = %q, want the positional fallback", roots[1].Label)
	}
}

func TestMergeConfigWithFlags(t *testing.T) {
	base := NewDefault()
	base.Preview.Width = 800

	merged := MergeConfigWithFlags(flagparse.Fetch, base, map[string]any{
		"output":            "/mnt/mirror",
		"log-level":         "debug",
		"dry-run":           true,
		"originals":         true,
		"preview-width":     640,
		"image-workers":     4,
		"min-free-space-mb": 1024,
		"token":             "t",
		"folders": []string{
			"photos=https://drive.google.com/drive/folders/1AbCdEfGhIjKlMnOp",
			"2AbCdEfGhIjKlMnOp",
		},
	})

	if merged.OutputRoot != "/mnt/mirror" {
		t.Errorf("OutputRoot = %q", merged.OutputRoot)
	}
	if merged.LogLevel != "debug" || !merged.Runtime.DryRun {
		t.Error("global flags were not merged")
	}
	if merged.Preview.Width != 640 {
		t.Errorf("Preview.Width = %d, want the flag value", merged.Preview.Width)
	}
	if !merged.Preview.Originals {
		t.Error("originals flag was not merged")
	}
	if merged.Engine.ImageWorkers != 4 || merged.Engine.MinFreeSpaceMB != 1024 {
		t.Error("engine flags were not merged")
	}
	if len(merged.Roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(merged.Roots))
	}
	if merged.Roots[0].Label != "photos" {
		t.Errorf("labelled folder flag parsed wrong: %+v", merged.Roots[0])
	}
	if merged.Roots[1].Folder != "2AbCdEfGhIjKlMnOp" || merged.Roots[1].Label != "" {
		t.Errorf("bare folder flag parsed wrong: %+v", merged.Roots[1])
	}

	merged = MergeConfigWithFlags(flagparse.Fetch, base, map[string]any{
		"videos":         false,
		"documents":      false,
		"retry-attempts": 3,
	})
	if merged.Media.Videos || merged.Media.Documents {
		t.Error("media toggles were not merged")
	}
	if merged.Engine.RetryAttempts != 3 {
		t.Errorf("Engine.RetryAttempts = %d", merged.Engine.RetryAttempts)
	}

	merged = MergeConfigWithFlags(flagparse.Fetch, base, map[string]any{
		"metrics":        false,
		"fail-fast":      true,
		"pre-run-hooks":  []string{"mount /mnt/mirror"},
		"post-run-hooks": []string{"sync", "umount /mnt/mirror"},
	})
	if merged.Engine.Metrics || !merged.Engine.FailFast {
		t.Error("metrics/fail-fast flags were not merged")
	}
	if len(merged.Hooks.PreRun) != 1 || len(merged.Hooks.PostRun) != 2 {
		t.Errorf("hook flags were not merged: %+v", merged.Hooks)
	}

	// keep-previews only applies to the convert command.
	merged = MergeConfigWithFlags(flagparse.Fetch, base, map[string]any{"keep-previews": true})
	if merged.Preview.KeepOnConvert {
		t.Error("keep-previews must be ignored outside convert")
	}
	merged = MergeConfigWithFlags(flagparse.Convert, base, map[string]any{"keep-previews": true})
	if !merged.Preview.KeepOnConvert {
		t.Error("keep-previews was not merged for convert")
	}
}
