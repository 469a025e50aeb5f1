package utils

import (
	"fmt"
	u "net/url"
	"path"
	"path/filepath"
	"strings"
)

const DefaultFilename = "download"

// maxFilenameLen caps sanitized filenames; long names break path limits on
// some filesystems once the .part/.seg suffixes are appended.
const maxFilenameLen = 200

// SanitizeFilename replaces characters that are invalid in filenames and
// trims trailing spaces and dots. An empty result falls back to a default
// name, and overlong names are truncated with the extension preserved.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`\/:*?"<>|`, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	result := strings.TrimRight(b.String(), " .")
	if result == "" {
		return DefaultFilename
	}
	if len(result) > maxFilenameLen {
		ext := filepath.Ext(result)
		if ext != "" && len(ext) < 20 {
			result = result[:maxFilenameLen-len(ext)] + ext
		} else {
			result = result[:maxFilenameLen]
		}
	}
	return result
}

// FilenameFromURL extracts the last path component of a URL, ignoring query
// and fragment, and sanitizes the result.
func FilenameFromURL(rawURL string) string {
	name := ""
	if parsed, err := u.Parse(rawURL); err == nil {
		name = path.Base(parsed.Path)
		if name == "." || name == "/" {
			name = ""
		}
	}
	return SanitizeFilename(name)
}

// CategorizeByExtension maps a file extension to a broad content category.
func CategorizeByExtension(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "mp3", "flac", "wav", "aac", "ogg", "m4a", "wma":
		return "Music"
	case "mp4", "mkv", "avi", "mov", "wmv", "flv", "webm", "mpg", "mpeg":
		return "Video"
	case "exe", "msi", "dmg", "pkg", "deb", "rpm", "appimage", "apk":
		return "Programs"
	case "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "txt", "epub":
		return "Documents"
	case "zip", "rar", "7z", "tar", "gz", "bz2", "xz", "iso":
		return "Archives"
	case "jpg", "jpeg", "png", "gif", "bmp", "svg", "webp":
		return "Images"
	default:
		return "Other"
	}
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseHeaderArgs converts "Key: Value" strings from the CLI into a map.
func ParseHeaderArgs(headers []string) map[string]string {
	parsed := make(map[string]string)
	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			continue
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed
}
