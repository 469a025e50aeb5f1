package assembler

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// ConflictPolicy decides what happens when the finalize target already exists.
type ConflictPolicy int

const (
	AutoRename ConflictPolicy = iota
	Overwrite
	Skip
)

// maxWriteSize caps a single positioned write syscall.
const maxWriteSize = 1024 * 1024

// PartialFile is the on-disk .part file that workers write into at
// arbitrary offsets. Positioned writes carry their own offset, so concurrent
// writers to disjoint ranges need no shared lock.
type PartialFile struct {
	f    *os.File
	path string
}

// Open creates or reopens the partial file, creating parent directories as
// needed. A newly created file with a known size is extended up front so the
// filesystem can reserve contiguous space.
func Open(path string, size int64) (*PartialFile, error) {
	log := utils.GetLogger("assembler")
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating download directory: %v", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening partial file: %v", err)
	}
	if size > 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("error inspecting partial file: %v", err)
		}
		if info.Size() == 0 {
			if err := f.Truncate(size); err != nil {
				f.Close()
				return nil, fmt.Errorf("error pre-allocating %d bytes: %v", size, err)
			}
			log.Debug().Int64("size", size).Str("path", filepath.Base(path)).Msg("Pre-allocated partial file")
		}
	}
	return &PartialFile{f: f, path: path}, nil
}

func (p *PartialFile) Path() string { return p.path }

// WriteAt writes the whole chunk at the given absolute offset, splitting
// into bounded positioned writes.
func (p *PartialFile) WriteAt(data []byte, offset int64) error {
	written := 0
	for written < len(data) {
		chunk := len(data) - written
		if chunk > maxWriteSize {
			chunk = maxWriteSize
		}
		n, err := p.f.WriteAt(data[written:written+chunk], offset+int64(written))
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PartialFile) Close() error {
	return p.f.Close()
}

// Finalize moves the partial file onto its final name, applying the conflict
// policy when the target already exists. The path actually produced is
// returned. A cross-volume rename failure falls back to copy-then-delete.
func Finalize(partialPath, targetPath string, policy ConflictPolicy) (string, error) {
	log := utils.GetLogger("assembler")
	finalPath := targetPath
	if _, err := os.Stat(targetPath); err == nil {
		switch policy {
		case AutoRename:
			finalPath = uniqueName(targetPath)
		case Overwrite:
			if err := os.Remove(targetPath); err != nil {
				return "", fmt.Errorf("error removing existing file: %v", err)
			}
		case Skip:
			log.Info().Str("path", targetPath).Msg("Target exists, skipping finalize")
			os.Remove(partialPath)
			return targetPath, nil
		}
	}
	if err := os.Rename(partialPath, finalPath); err != nil {
		if copyErr := copyThenDelete(partialPath, finalPath); copyErr != nil {
			return "", fmt.Errorf("error finalizing download: %v", errors.Join(err, copyErr))
		}
	}
	log.Debug().Str("path", finalPath).Msg("Finalized download")
	return finalPath, nil
}

// uniqueName produces "name(1).ext" style candidates, falling back to a
// timestamp suffix after 9999 collisions.
func uniqueName(targetPath string) string {
	dir := filepath.Dir(targetPath)
	base := filepath.Base(targetPath)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	for i := 1; i < 10000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s(%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, time.Now().UnixNano(), ext))
}

func copyThenDelete(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// SetModTime stamps the final file with the origin's Last-Modified value.
// Best effort: unparseable dates are ignored.
func SetModTime(path, httpDate string) {
	if httpDate == "" {
		return
	}
	t, err := http.ParseTime(httpDate)
	if err != nil {
		return
	}
	if err := os.Chtimes(path, time.Time{}, t); err != nil {
		log := utils.GetLogger("assembler")
		log.Debug().Err(err).Str("path", path).Msg("Could not set file timestamp")
	}
}

// IsFatalIO reports whether a write error is unrecoverable for this download
// (disk full, permission denied, path too long). These are surfaced to the
// orchestrator without retrying.
func IsFatalIO(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.ENAMETOOLONG) {
		return true
	}
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	return false
}
