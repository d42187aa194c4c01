package util

import (
	"testing"
)

func TestSafeFileName(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Plain name passes through",
			input:    "holiday photos",
			expected: "holiday photos",
		},
		{
			name:     "Path separators replaced",
			input:    "a/b\\c",
			expected: "a_b_c",
		},
		{
			name:     "Reserved punctuation replaced",
			input:    `scan: "draft"?*`,
			expected: `scan_ _draft___`,
		},
		{
			name:     "Leading and trailing dots trimmed",
			input:    "..hidden.",
			expected: "hidden",
		},
		{
			name:     "Empty result collapses to underscore",
			input:    " .. ",
			expected: "_",
		},
		{
			name:     "Control characters replaced",
			input:    "line\x00break\x1f",
			expected: "line_break_",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SafeFileName(tc.input); got != tc.expected {
				t.Errorf("SafeFileName(%q) = %q, expected %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestExtractFolderID(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		expected  string
		expectErr bool
	}{
		{
			name:     "Folder share URL",
			input:    "https://store.example.com/drive/folders/1AbC_dEf-234567890x?usp=sharing",
			expected: "1AbC_dEf-234567890x",
		},
		{
			name:     "Open URL with id parameter",
			input:    "https://store.example.com/open?id=1AbC_dEf-234567890x",
			expected: "1AbC_dEf-234567890x",
		},
		{
			name:     "Bare identifier",
			input:    "1AbC_dEf-234567890x",
			expected: "1AbC_dEf-234567890x",
		},
		{
			name:      "Too short to be an identifier",
			input:     "abc123",
			expectErr: true,
		},
		{
			name:      "Unrelated URL",
			input:     "https://example.com/nothing/here",
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractFolderID(tc.input)
			if tc.expectErr {
				if err == nil {
					t.Errorf("expected an error for %q, got id %q", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractFolderID(%q) failed: %v", tc.input, err)
			}
			if got != tc.expected {
				t.Errorf("ExtractFolderID(%q) = %q, expected %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestHumanBytes(t *testing.T) {
	testCases := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{3 * 1024 * 1024, "3.0 MiB"},
		{5 * 1024 * 1024 * 1024, "5.0 GiB"},
	}

	for _, tc := range testCases {
		if got := HumanBytes(tc.input); got != tc.expected {
			t.Errorf("HumanBytes(%d) = %q, expected %q", tc.input, got, tc.expected)
		}
	}
}

func TestInvertMap(t *testing.T) {
	in := map[string]int{"a": 1, "b": 2}
	out := InvertMap(in)
	if len(out) != 2 || out[1] != "a" || out[2] != "b" {
		t.Errorf("InvertMap returned unexpected result: %v", out)
	}
}
