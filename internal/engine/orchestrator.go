package engine

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Zakaria95Ahmed/idm-clone/internal/assembler"
	"github.com/Zakaria95Ahmed/idm-clone/internal/client"
	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
	"github.com/Zakaria95Ahmed/idm-clone/internal/store"
	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// orchestrator supervises one active download: probe, plan, open, launch
// workers, finalize. It exclusively owns its planner and file handle;
// workers touch them only through synchronized operations.
type orchestrator struct {
	id        string
	engine    *Engine
	planner   *segment.Planner
	transport client.Transport
	file      *assembler.PartialFile
	log       zerolog.Logger

	mu    sync.Mutex // guards entry
	entry store.Entry

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool
	cancelled bool

	cancelCh   chan struct{}
	cancelOnce sync.Once
	totalSpeed atomic.Int64 // bytes/sec ×1000
	done       chan struct{}
}

func newOrchestrator(e *Engine, entry store.Entry) *orchestrator {
	o := &orchestrator{
		id:       entry.ID,
		engine:   e,
		planner:  segment.NewPlanner(),
		entry:    entry,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
		log:      utils.GetLogger("orchestrator").With().Str("download", entry.ID).Logger(),
	}
	o.pauseCond = sync.NewCond(&o.pauseMu)
	if strings.HasPrefix(strings.ToLower(entry.URL), "ftp://") {
		o.transport = e.ftp
	} else {
		o.transport = e.http
	}
	return o
}

func (o *orchestrator) run() {
	defer close(o.done)
	defer o.engine.release(o.id)

	// Phase 1: probe the origin.
	info, err := o.transport.Probe(o.baseRequest())
	if err != nil {
		o.fail(err.Error())
		return
	}
	if info.StatusCode >= 400 {
		o.fail(fmt.Sprintf("HTTP %d %s", info.StatusCode, http.StatusText(info.StatusCode)))
		return
	}

	// Phase 2: populate the entry from the response. Saved validator tokens
	// and size are left alone while a resume attempt is pending; the
	// validation below needs them to detect an origin-side change.
	o.mu.Lock()
	resumePending := o.entry.Downloaded > 0 && info.AcceptRanges
	if !resumePending {
		if info.ContentLength >= 0 {
			o.entry.FileSize = info.ContentLength
		}
		o.entry.ETag = info.ETag
		o.entry.LastModified = info.LastModified
	}
	o.entry.ResumeSupported = info.AcceptRanges
	o.entry.FinalURL = info.FinalURL
	o.entry.ContentType = info.ContentType
	if name := info.DispositionFilename(); name != "" &&
		(o.entry.Filename == "" || o.entry.Filename == utils.DefaultFilename) {
		o.entry.Filename = utils.SanitizeFilename(name)
	}
	o.entry.Status = store.StatusDownloading
	entry := o.entry
	o.mu.Unlock()
	o.engine.store.Update(entry)
	o.log.Debug().Int64("size", entry.FileSize).Bool("ranges", entry.ResumeSupported).
		Str("file", entry.Filename).Msg("Probe complete")

	// Phase 3: restore saved state or plan fresh.
	restored := false
	if entry.Downloaded > 0 && entry.ResumeSupported {
		if _, statErr := os.Stat(entry.StatePath()); statErr == nil {
			entryCopy := o.snapshotEntry()
			valid := validateResume(o.transport, &entryCopy, o.baseRequest())
			o.mu.Lock()
			o.entry.ResumeSupported = entryCopy.ResumeSupported
			if valid {
				o.entry.ETag = entryCopy.ETag
				o.entry.LastModified = entryCopy.LastModified
				o.entry.FileSize = entryCopy.FileSize
			}
			entry = o.entry
			o.mu.Unlock()
			if valid {
				if loadErr := o.planner.LoadStateFromFile(entry.StatePath(),
					o.workerCount(entry), o.engine.opts.MinSegmentSize); loadErr == nil {
					restored = true
					o.mu.Lock()
					o.entry.Downloaded = o.planner.TotalDownloaded()
					o.mu.Unlock()
					o.log.Info().Int64("downloaded", o.planner.TotalDownloaded()).Msg("Resumed from saved state")
				}
			}
		}
	}
	if !restored {
		// Any saved state is now stale; restart from zero under the same id,
		// adopting the origin's current validators and size.
		os.Remove(entry.StatePath())
		os.Remove(entry.PartialPath())
		o.mu.Lock()
		o.entry.Downloaded = 0
		o.entry.Segments = nil
		if resumePending {
			if info.ContentLength >= 0 {
				o.entry.FileSize = info.ContentLength
			}
			o.entry.ETag = info.ETag
			o.entry.LastModified = info.LastModified
		}
		entry = o.entry
		o.mu.Unlock()
		size := entry.FileSize
		if size < 0 {
			size = -1
		}
		o.planner.Initialize(size, o.workerCount(entry), o.engine.opts.MinSegmentSize)
	}

	// Phase 4: open the partial file.
	o.file, err = assembler.Open(entry.PartialPath(), entry.FileSize)
	if err != nil {
		o.fail(err.Error())
		return
	}

	// Phase 5: launch connection workers.
	workers := o.workerCount(entry)
	o.log.Debug().Int("workers", workers).Msg("Launching connections")
	var wg sync.WaitGroup
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			newConnWorker(id, o).run()
		}(i)
	}

	// Phase 6: supervise.
	wg.Wait()
	o.file.Close()

	// Phase 7: finalize.
	o.finalize()
}

// workerCount bounds the connection count: one when the origin cannot serve
// ranges or the size is unknown, otherwise the requested count capped by the
// engine-wide maximum.
func (o *orchestrator) workerCount(entry store.Entry) int {
	if !entry.ResumeSupported || entry.FileSize < 0 {
		return 1
	}
	n := entry.Connections
	if n < 1 {
		n = 1
	}
	if n > o.engine.opts.MaxConnections {
		n = o.engine.opts.MaxConnections
	}
	return n
}

func (o *orchestrator) finalize() {
	if o.isCancelled() {
		o.persistState()
		o.mu.Lock()
		o.entry.Status = store.StatusPaused
		entry := o.entry
		o.mu.Unlock()
		o.engine.store.Update(entry)
		o.engine.notifyPaused(o.id)
		o.log.Info().Int64("downloaded", entry.Downloaded).Msg("Download paused")
		return
	}

	if o.planner.IsComplete() {
		o.mu.Lock()
		o.entry.Status = store.StatusMerging
		entry := o.entry
		o.mu.Unlock()
		o.engine.store.Update(entry)

		finalPath, err := assembler.Finalize(entry.PartialPath(), entry.FullPath(), o.engine.opts.ConflictPolicy)
		if err != nil {
			o.fail(fmt.Sprintf("error finalizing download: %v", err))
			return
		}
		assembler.SetModTime(finalPath, entry.LastModified)
		if entry.Checksum != "" {
			if verifyErr := verifyChecksum(finalPath, entry.Checksum, entry.ChecksumType); verifyErr != nil {
				o.log.Warn().Err(verifyErr).Str("file", entry.Filename).Msg("Checksum verification failed")
			}
		}
		os.Remove(entry.StatePath())

		o.mu.Lock()
		o.entry.Status = store.StatusComplete
		o.entry.Completed = time.Now()
		if o.entry.FileSize >= 0 {
			o.entry.Downloaded = o.entry.FileSize
		} else {
			o.entry.Downloaded = o.planner.TotalDownloaded()
			o.entry.FileSize = o.entry.Downloaded
		}
		o.entry.Segments = o.planner.Snapshot()
		o.entry.Speed = 0
		entry = o.entry
		o.mu.Unlock()
		o.engine.store.Update(entry)
		o.engine.notifyComplete(o.id)
		o.log.Info().Str("path", finalPath).Msg("Download complete")
		return
	}

	// Workers exited without completing the map: surface the last error and
	// keep the partial files for a later resume.
	o.persistState()
	o.mu.Lock()
	o.entry.Status = store.StatusError
	if o.entry.ErrorMessage == "" {
		o.entry.ErrorMessage = "download incomplete"
	}
	entry := o.entry
	o.mu.Unlock()
	o.engine.store.Update(entry)
	o.engine.notifyError(o.id, entry.ErrorMessage)
	o.log.Error().Str("error", entry.ErrorMessage).Msg("Download failed")
}

// persistState saves the segment map and syncs the entry snapshot from the
// planner, which owns the truth about downloaded bytes.
func (o *orchestrator) persistState() {
	o.mu.Lock()
	statePath := o.entry.StatePath()
	o.mu.Unlock()
	if err := o.planner.SaveState(statePath); err != nil {
		o.log.Warn().Err(err).Msg("Could not save segment state")
	}
	o.mu.Lock()
	o.entry.Downloaded = o.planner.TotalDownloaded()
	o.entry.Segments = o.planner.Snapshot()
	o.entry.Speed = o.speed()
	entry := o.entry
	o.mu.Unlock()
	o.engine.store.Update(entry)
}

func (o *orchestrator) emitProgress() {
	downloaded := o.planner.TotalDownloaded()
	speed := o.planner.ActiveSpeed()
	o.mu.Lock()
	o.entry.Downloaded = downloaded
	o.entry.Speed = speed
	total := o.entry.FileSize
	o.mu.Unlock()
	o.engine.notifyProgress(o.id, downloaded, total, speed)
	o.engine.notifySegments(o.id, o.planner.Snapshot())
}

func (o *orchestrator) baseRequest() client.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseRequestLocked()
}

func (o *orchestrator) baseRequestLocked() client.Request {
	url := o.entry.URL
	if o.entry.FinalURL != "" {
		url = o.entry.FinalURL
	}
	req := client.NewRequest(url)
	req.Referrer = o.entry.Referrer
	req.Cookies = o.entry.Cookies
	req.Headers = o.entry.Headers
	req.UserAgent = o.entry.UserAgent
	req.Username = o.entry.Username
	req.Password = o.entry.Password
	return req
}

// rangeRequest builds the fetch request for one segment assignment.
func (o *orchestrator) rangeRequest(a segment.Assignment) client.Request {
	req := o.baseRequest()
	o.mu.Lock()
	ranged := o.entry.ResumeSupported
	if o.entry.PostData != "" {
		req.Method = "POST"
		req.Body = o.entry.PostData
	}
	o.mu.Unlock()
	if ranged || a.Cursor > 0 {
		req.RangeStart = a.Cursor
		req.RangeEnd = a.End
	}
	return req
}

func (o *orchestrator) fail(msg string) {
	o.log.Error().Str("error", msg).Msg("Download failed")
	o.mu.Lock()
	o.entry.Status = store.StatusError
	o.entry.ErrorMessage = msg
	entry := o.entry
	o.mu.Unlock()
	o.engine.store.Update(entry)
	o.engine.notifyError(o.id, msg)
}

// setError records a worker's terminal error without changing status; the
// finalize pass decides the entry's fate once every worker has exited.
func (o *orchestrator) setError(msg string) {
	o.mu.Lock()
	o.entry.ErrorMessage = msg
	o.mu.Unlock()
}

func (o *orchestrator) bumpRetryCount() {
	o.mu.Lock()
	o.entry.RetryCount++
	o.mu.Unlock()
}

func (o *orchestrator) maxRetries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.entry.MaxRetries > 0 {
		return o.entry.MaxRetries
	}
	return 20
}

func (o *orchestrator) snapshotEntry() store.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entry
}

func (o *orchestrator) speed() float64 {
	return float64(o.totalSpeed.Load()) / 1000
}

// pause asks the workers to abort their in-flight fetches and park on the
// pause condition. The entry stays alive for a later resume.
func (o *orchestrator) pause() {
	o.pauseMu.Lock()
	o.paused = true
	o.pauseMu.Unlock()
}

func (o *orchestrator) resume() {
	o.pauseMu.Lock()
	o.paused = false
	o.pauseMu.Unlock()
	o.pauseCond.Broadcast()
}

// cancel tears the download down; the run loop finalizes it as Paused.
func (o *orchestrator) cancel() {
	o.pauseMu.Lock()
	o.cancelled = true
	o.pauseMu.Unlock()
	o.cancelOnce.Do(func() { close(o.cancelCh) })
	o.pauseCond.Broadcast()
}

func (o *orchestrator) isPaused() bool {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	return o.paused
}

func (o *orchestrator) isCancelled() bool {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	return o.cancelled
}

// waitWhilePaused blocks a worker on the pause condition until the download
// is resumed or cancelled. Returns false when the worker should exit.
func (o *orchestrator) waitWhilePaused() bool {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	for o.paused && !o.cancelled {
		o.pauseCond.Wait()
	}
	return !o.cancelled
}

func verifyChecksum(path, expected, algorithm string) error {
	var h hash.Hash
	switch strings.ToLower(algorithm) {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	case "sha256", "":
		h = sha256.New()
	default:
		return fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("digest mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
