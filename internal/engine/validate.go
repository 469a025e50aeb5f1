package engine

import (
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/internal/client"
	"github.com/Zakaria95Ahmed/idm-clone/internal/store"
	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

const (
	defaultRetryBase = 5 * time.Second
	maxRetryDelay    = 300 * time.Second
)

// retryDelay computes the exponential backoff for the nth attempt: the base
// doubled per attempt, capped at five minutes.
func retryDelay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = defaultRetryBase
	}
	delay := base
	for i := 1; i < attempt && i < 8; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// validateResume checks saved state against the origin before reusing it.
// The state is only safe when the origin still advertises ranges and every
// validator both sides carry matches exactly. On success the entry's
// validator tokens are refreshed with the latest observed values; on any
// failure the caller discards the saved state and starts fresh.
func validateResume(t client.Transport, entry *store.Entry, req client.Request) bool {
	log := utils.GetLogger("resume")
	info, err := t.Probe(req)
	if err != nil || info.StatusCode >= 400 {
		log.Warn().Err(err).Str("file", entry.Filename).Msg("Validation probe failed")
		return false
	}
	if !info.AcceptRanges {
		log.Warn().Str("file", entry.Filename).Msg("Origin no longer supports range requests")
		entry.ResumeSupported = false
		return false
	}
	if entry.ETag != "" && info.ETag != "" && entry.ETag != info.ETag {
		log.Warn().Str("old", entry.ETag).Str("new", info.ETag).Msg("ETag mismatch, discarding saved state")
		return false
	}
	if entry.LastModified != "" && info.LastModified != "" && entry.LastModified != info.LastModified {
		log.Warn().Str("file", entry.Filename).Msg("Last-Modified mismatch, discarding saved state")
		return false
	}
	if entry.FileSize > 0 && info.ContentLength > 0 && entry.FileSize != info.ContentLength {
		log.Warn().Int64("old", entry.FileSize).Int64("new", info.ContentLength).Msg("File size changed, discarding saved state")
		return false
	}

	if info.ETag != "" {
		entry.ETag = info.ETag
	}
	if info.LastModified != "" {
		entry.LastModified = info.LastModified
	}
	if info.ContentLength > 0 {
		entry.FileSize = info.ContentLength
	}
	entry.ResumeSupported = true
	log.Debug().Str("file", entry.Filename).Msg("Resume state validated")
	return true
}
