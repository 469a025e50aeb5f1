package store

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// Status of a download entry across its lifecycle.
type Status int

const (
	StatusQueued Status = iota
	StatusConnecting
	StatusDownloading
	StatusPaused
	StatusComplete
	StatusError
	StatusWaiting
	StatusMerging
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusConnecting:
		return "Connecting"
	case StatusDownloading:
		return "Downloading"
	case StatusPaused:
		return "Paused"
	case StatusComplete:
		return "Complete"
	case StatusError:
		return "Error"
	case StatusWaiting:
		return "Waiting"
	case StatusMerging:
		return "Merging"
	default:
		return "Unknown"
	}
}

// Entry is the durable record of one requested transfer. The registry owns
// creation and removal; the orchestrator and its workers mutate the live
// fields while a download runs.
type Entry struct {
	ID       string
	URL      string
	FinalURL string
	Filename string
	Dir      string

	FileSize   int64 // -1 when unknown
	Downloaded int64
	Status     Status

	Category    string
	Description string

	Added     time.Time
	Completed time.Time

	Referrer  string
	Cookies   string
	Headers   map[string]string // not persisted; session-scoped extras
	UserAgent string
	Username  string
	Password  string
	PostData  string

	Connections int
	Segments    []segment.Snapshot

	ResumeSupported bool
	ETag            string
	LastModified    string
	ContentType     string

	ErrorMessage string
	RetryCount   int
	MaxRetries   int

	Checksum     string
	ChecksumType string

	Speed float64
}

// NewEntry builds an entry with defaults filled in: a fresh id, a filename
// derived from the URL when none was given, and a category from the
// extension.
func NewEntry(url, dir, filename string) Entry {
	if filename == "" {
		filename = utils.FilenameFromURL(url)
	} else {
		filename = utils.SanitizeFilename(filename)
	}
	return Entry{
		ID:          uuid.New().String(),
		URL:         url,
		Filename:    filename,
		Dir:         dir,
		FileSize:    -1,
		Status:      StatusQueued,
		Category:    utils.CategorizeByExtension(filepath.Ext(filename)),
		Added:       time.Now(),
		Connections: 8,
		MaxRetries:  20,
	}
}

// FullPath is the finalized target path.
func (e *Entry) FullPath() string { return filepath.Join(e.Dir, e.Filename) }

// PartialPath is the pre-allocated in-progress file.
func (e *Entry) PartialPath() string { return e.FullPath() + ".part" }

// StatePath is the segment snapshot file used for resume.
func (e *Entry) StatePath() string { return e.FullPath() + ".seg" }

// Progress returns the overall completion percentage, 0 when the size is
// unknown.
func (e *Entry) Progress() float64 {
	if e.FileSize <= 0 {
		return 0
	}
	return float64(e.Downloaded) / float64(e.FileSize) * 100
}
