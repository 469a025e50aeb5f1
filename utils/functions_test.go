package utils

import (
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{`report: final?.pdf`, "report_ final_.pdf"},
		{`a/b\c.txt`, "a_b_c.txt"},
		{"trailing. . ", "trailing"},
		{`<>:"|?*`, "_______"},
		{"", "download"},
		{"   ", "download"},
		{"normal.zip", "normal.zip"},
	} {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeFilenameLength(t *testing.T) {
	long := strings.Repeat("a", 300) + ".tar.gz"
	got := SanitizeFilename(long)
	if len(got) > 200 {
		t.Fatalf("length %d, want <= 200", len(got))
	}
	if !strings.HasSuffix(got, ".gz") {
		t.Fatalf("extension lost: %q", got[len(got)-10:])
	}
}

func TestFilenameFromURL(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"https://example.com/files/archive.zip", "archive.zip"},
		{"https://example.com/files/archive.zip?token=abc#frag", "archive.zip"},
		{"https://example.com/files/my%20file.txt", "my file.txt"},
		{"https://example.com/", "download"},
		{"https://example.com", "download"},
	} {
		if got := FilenameFromURL(tc.in); got != tc.want {
			t.Errorf("FilenameFromURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCategorizeByExtension(t *testing.T) {
	for _, tc := range []struct {
		ext, want string
	}{
		{".mp3", "Music"},
		{".MKV", "Video"},
		{".exe", "Programs"},
		{".pdf", "Documents"},
		{".zip", "Archives"},
		{".png", "Images"},
		{".xyz", "Other"},
		{"", "Other"},
	} {
		if got := CategorizeByExtension(tc.ext); got != tc.want {
			t.Errorf("CategorizeByExtension(%q) = %q, want %q", tc.ext, got, tc.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	for _, tc := range []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{1048576, "1.00 MB"},
		{1073741824, "1.00 GB"},
	} {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseHeaderArgs(t *testing.T) {
	got := ParseHeaderArgs([]string{"Authorization: Bearer tok", "X-Flag:on", "malformed"})
	if got["Authorization"] != "Bearer tok" {
		t.Errorf("Authorization %q", got["Authorization"])
	}
	if got["X-Flag"] != "on" {
		t.Errorf("X-Flag %q", got["X-Flag"])
	}
	if len(got) != 2 {
		t.Errorf("parsed %d headers, want 2", len(got))
	}
}
