package engine

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Zakaria95Ahmed/idm-clone/internal/assembler"
	"github.com/Zakaria95Ahmed/idm-clone/internal/client"
	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// connWorker is one logical connection of a download. It pulls segment
// assignments from the planner until no work remains, streaming each range
// through the rate limiter into the partial file.
type connWorker struct {
	id  int
	o   *orchestrator
	log zerolog.Logger
}

func newConnWorker(id int, o *orchestrator) *connWorker {
	return &connWorker{
		id:  id,
		o:   o,
		log: utils.GetLogger("worker").With().Str("download", o.id).Int("connId", id).Logger(),
	}
}

func (w *connWorker) run() {
	o := w.o
	planner := o.planner
	retries := 0

	for !o.isCancelled() {
		assignment, ok := planner.RequestSegment(w.id)
		if !ok {
			w.log.Debug().Msg("No segment available, exiting")
			return
		}
		if !o.waitWhilePaused() {
			planner.ReleaseSegment(assignment.SegmentID)
			return
		}

		var writeErr error
		_, err := o.transport.Fetch(o.rangeRequest(assignment), w.sink(assignment, &writeErr))

		switch {
		case writeErr != nil:
			// A write failure ends this worker only; the segment is marked
			// Error, so the remaining workers may claim it again.
			planner.MarkError(assignment.SegmentID)
			o.setError(writeErr.Error())
			if !assembler.IsFatalIO(writeErr) {
				w.log.Error().Err(writeErr).Msg("Write failed")
			}
			return
		case err == nil:
			planner.MarkComplete(assignment.SegmentID)
			retries = 0
			w.log.Debug().Int("segment", assignment.SegmentID).Msg("Segment completed")
		case errors.Is(err, client.ErrCancelled):
			// Pause or cancel signalled through the sink; the pause wait at
			// the top of the loop decides what happens next.
			planner.ReleaseSegment(assignment.SegmentID)
		default:
			planner.MarkError(assignment.SegmentID)
			o.bumpRetryCount()
			if !client.Retriable(err) {
				o.setError(err.Error())
				w.log.Error().Err(err).Int("segment", assignment.SegmentID).Msg("Non-retriable error")
				return
			}
			retries++
			if retries >= o.maxRetries() {
				o.setError(err.Error())
				w.log.Error().Int("retries", retries).Msg("Retries exhausted")
				return
			}
			delay := retryDelay(retries, o.engine.opts.RetryBaseDelay)
			w.log.Warn().Err(err).Int("attempt", retries).Dur("delay", delay).Msg("Retrying segment")
			select {
			case <-time.After(delay):
			case <-o.cancelCh:
				return
			}
		}
	}
}

// sink returns the per-chunk callback: rate-limit in sub-slices, write each
// permitted slice at the segment's live cursor, account progress, and emit a
// progress event at most once per second.
func (w *connWorker) sink(assignment segment.Assignment, writeErr *error) client.Sink {
	o := w.o
	planner := o.planner
	windowStart := time.Now()
	lastEmit := time.Now()
	var windowBytes int64

	return func(chunk []byte) bool {
		if o.isCancelled() || o.isPaused() {
			return false
		}
		offset := 0
		for offset < len(chunk) {
			permitted := o.engine.limiter.Acquire(len(chunk) - offset)
			// The cursor immediately before the write is the authoritative
			// absolute offset; a precomputed base would go stale on resume.
			cursor := planner.Cursor(assignment.SegmentID)
			if cursor < 0 {
				return false
			}
			if err := o.file.WriteAt(chunk[offset:offset+permitted], cursor); err != nil {
				*writeErr = err
				return false
			}
			planner.UpdateProgress(assignment.SegmentID, int64(permitted), 0)
			offset += permitted
			windowBytes += int64(permitted)
		}
		if elapsed := time.Since(windowStart); elapsed >= time.Second {
			planner.UpdateProgress(assignment.SegmentID, 0, float64(windowBytes)/elapsed.Seconds())
			windowBytes = 0
			windowStart = time.Now()
		}
		if time.Since(lastEmit) >= time.Second {
			o.emitProgress()
			lastEmit = time.Now()
		}
		return true
	}
}
