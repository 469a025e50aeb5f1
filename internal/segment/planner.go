package segment

import (
	"sync"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// Status of a single segment within the planner.
type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusComplete
	StatusError
)

// AlignBoundary is the buffer-size boundary split points are aligned down to.
const AlignBoundary = 64 * 1024

// DefaultMinSegmentSize guards against over-splitting.
const DefaultMinSegmentSize int64 = 64 * 1024

// Segment is one contiguous byte range assigned to at most one worker.
// End is inclusive. For a download of unknown total size the planner holds a
// single unbounded segment whose End is -1 and never splits.
type Segment struct {
	ID           int
	Start        int64
	End          int64
	Cursor       int64 // next byte to write; End+1 means complete
	Worker       int   // owning worker id, -1 = unassigned
	Status       Status
	LastActivity time.Time
	Speed        float64
	Unbounded    bool
}

func (s *Segment) Total() int64 {
	if s.Unbounded {
		return -1
	}
	return s.End - s.Start + 1
}

func (s *Segment) Downloaded() int64 { return s.Cursor - s.Start }

func (s *Segment) Remaining() int64 {
	if s.Unbounded {
		return -1
	}
	return s.End - s.Cursor + 1
}

func (s *Segment) Progress() float64 {
	total := s.Total()
	if total <= 0 {
		return 0
	}
	return float64(s.Downloaded()) / float64(total) * 100
}

// Snapshot is the persistable view of a segment, used for the .seg state
// file, the registry store and observer painting.
type Snapshot struct {
	ID         int
	Start      int64
	End        int64
	Downloaded int64
	Worker     int
	Complete   bool
}

// Assignment is what RequestSegment hands to a worker: fetch [Cursor, End],
// End -1 meaning "to end of stream".
type Assignment struct {
	SegmentID int
	Cursor    int64
	End       int64
}

// Planner owns the segment map of one download and implements dynamic
// splitting: a worker out of work claims the first pending segment, or
// splits the active segment with the most remaining bytes. All public
// methods serialize under one lock; no lock is held across I/O.
type Planner struct {
	mu         sync.Mutex
	segments   []*Segment
	fileSize   int64
	maxWorkers int
	minSegment int64
	nextID     int
	unbounded  bool
}

func NewPlanner() *Planner {
	return &Planner{}
}

// Initialize sets up a fresh segment map. size > 0 creates a single segment
// covering the whole file that later requests split dynamically; size == 0
// is a degenerate complete download; size < 0 means the total is unknown and
// a single unbounded segment serves exactly one worker.
func (p *Planner) Initialize(size int64, maxWorkers int, minSegmentSize int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	log := utils.GetLogger("planner")

	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if minSegmentSize <= 0 {
		minSegmentSize = DefaultMinSegmentSize
	}
	p.fileSize = size
	p.maxWorkers = maxWorkers
	p.minSegment = minSegmentSize
	p.segments = nil
	p.nextID = 1
	p.unbounded = size < 0

	switch {
	case size < 0:
		p.segments = append(p.segments, &Segment{
			ID: p.nextID, Start: 0, End: -1, Cursor: 0,
			Worker: -1, Status: StatusPending, Unbounded: true,
		})
		log.Debug().Msg("Initialized with unknown size, single connection")
	case size == 0:
		p.segments = append(p.segments, &Segment{
			ID: p.nextID, Start: 0, End: -1, Cursor: 0,
			Worker: -1, Status: StatusComplete,
		})
	default:
		p.segments = append(p.segments, &Segment{
			ID: p.nextID, Start: 0, End: size - 1, Cursor: 0,
			Worker: -1, Status: StatusPending,
		})
		log.Debug().Int64("size", size).Int("maxWorkers", maxWorkers).Msg("Initialized segment map")
	}
	p.nextID++
}

// Restore replaces the segment map with previously saved snapshots,
// preserving byte order. Worker assignments never carry across sessions:
// every incomplete snapshot comes back Pending with its cursor at
// start+downloaded.
func (p *Planner) Restore(snapshots []Snapshot, size int64, maxWorkers int, minSegmentSize int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if minSegmentSize <= 0 {
		minSegmentSize = DefaultMinSegmentSize
	}
	p.fileSize = size
	p.maxWorkers = maxWorkers
	p.minSegment = minSegmentSize
	p.unbounded = size < 0
	p.segments = nil
	p.nextID = 1
	for _, snap := range snapshots {
		status := StatusPending
		if snap.Complete {
			status = StatusComplete
		}
		seg := &Segment{
			ID:        snap.ID,
			Start:     snap.Start,
			End:       snap.End,
			Cursor:    snap.Start + snap.Downloaded,
			Worker:    -1,
			Status:    status,
			Unbounded: p.unbounded && snap.End < 0,
		}
		if seg.ID <= 0 {
			seg.ID = p.nextID
		}
		if seg.ID >= p.nextID {
			p.nextID = seg.ID + 1
		}
		p.segments = append(p.segments, seg)
	}
	log := utils.GetLogger("planner")
	log.Debug().Int("segments", len(p.segments)).Msg("Restored segment map from snapshots")
}

// RequestSegment hands out work to a connection. Pending (and errored)
// segments are claimed first, lowest index wins. With none left, the active
// segment with the most remaining bytes is split at the aligned midpoint of
// its remaining range, provided both halves keep the minimum size.
func (p *Planner) RequestSegment(workerID int) (Assignment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	log := utils.GetLogger("planner")

	if p.activeCountLocked() >= p.maxWorkers {
		return Assignment{}, false
	}

	// Strategy 1: first unassigned segment (errored segments count).
	for _, seg := range p.segments {
		if seg.Status == StatusPending || seg.Status == StatusError {
			seg.Status = StatusActive
			seg.Worker = workerID
			seg.LastActivity = time.Now()
			log.Debug().Int("segment", seg.ID).Int("worker", workerID).
				Int64("from", seg.Cursor).Int64("to", seg.End).Msg("Assigned pending segment")
			return Assignment{SegmentID: seg.ID, Cursor: seg.Cursor, End: seg.End}, true
		}
	}

	// An unbounded download never has more than its single segment.
	if p.unbounded {
		return Assignment{}, false
	}

	// Strategy 2: split the largest active segment.
	parentIdx := -1
	var bestRemaining int64
	for i, seg := range p.segments {
		if seg.Status != StatusActive {
			continue
		}
		if remaining := seg.Remaining(); remaining > bestRemaining {
			bestRemaining = remaining
			parentIdx = i
		}
	}
	if parentIdx < 0 || bestRemaining < 2*p.minSegment {
		return Assignment{}, false
	}

	parent := p.segments[parentIdx]
	splitPoint := parent.Cursor + bestRemaining/2
	splitPoint = splitPoint / AlignBoundary * AlignBoundary
	if splitPoint < parent.Cursor+p.minSegment {
		splitPoint = parent.Cursor + p.minSegment
	}
	if splitPoint > parent.End-p.minSegment {
		return Assignment{}, false
	}

	child := &Segment{
		ID:           p.nextID,
		Start:        splitPoint,
		End:          parent.End,
		Cursor:       splitPoint,
		Worker:       workerID,
		Status:       StatusActive,
		LastActivity: time.Now(),
	}
	p.nextID++
	parent.End = splitPoint - 1

	p.segments = append(p.segments, nil)
	copy(p.segments[parentIdx+2:], p.segments[parentIdx+1:])
	p.segments[parentIdx+1] = child

	log.Debug().Int("parent", parent.ID).Int("segment", child.ID).Int("worker", workerID).
		Int64("from", child.Start).Int64("to", child.End).Msg("Split segment")
	return Assignment{SegmentID: child.ID, Cursor: child.Cursor, End: child.End}, true
}

// UpdateProgress advances a segment's cursor. A cursor passing the segment
// end clamps to end+1 and completes the segment.
func (p *Planner) UpdateProgress(segmentID int, bytesAdded int64, speed float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seg := p.findLocked(segmentID)
	if seg == nil {
		return
	}
	seg.Cursor += bytesAdded
	seg.LastActivity = time.Now()
	if speed > 0 {
		seg.Speed = speed
	}
	if !seg.Unbounded && seg.Cursor > seg.End {
		seg.Cursor = seg.End + 1
		seg.Status = StatusComplete
		seg.Worker = -1
		seg.Speed = 0
	}
}

// Cursor returns the segment's next write offset. Workers read it
// immediately before each positioned write so resumed segments stay correct.
func (p *Planner) Cursor(segmentID int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seg := p.findLocked(segmentID); seg != nil {
		return seg.Cursor
	}
	return -1
}

func (p *Planner) MarkComplete(segmentID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seg := p.findLocked(segmentID)
	if seg == nil {
		return
	}
	seg.Status = StatusComplete
	if !seg.Unbounded {
		seg.Cursor = seg.End + 1
	} else {
		// The stream ended; the segment's true extent is now known.
		seg.End = seg.Cursor - 1
	}
	seg.Worker = -1
	seg.Speed = 0
}

// MarkError flags a segment as failed; it is equivalent to Pending for
// future RequestSegment calls.
func (p *Planner) MarkError(segmentID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seg := p.findLocked(segmentID)
	if seg == nil {
		return
	}
	seg.Status = StatusError
	seg.Worker = -1
	seg.Speed = 0
}

// ReleaseSegment returns an incomplete segment to the pool (worker dropped
// or paused).
func (p *Planner) ReleaseSegment(segmentID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seg := p.findLocked(segmentID)
	if seg == nil {
		return
	}
	if seg.Status != StatusComplete {
		seg.Status = StatusPending
	}
	seg.Worker = -1
	seg.Speed = 0
}

// FailStale marks active segments with no activity since the threshold as
// errored so another worker picks them up. Returns how many were reassigned.
func (p *Planner) FailStale(olderThan time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	cutoff := time.Now().Add(-olderThan)
	for _, seg := range p.segments {
		if seg.Status == StatusActive && !seg.LastActivity.IsZero() && seg.LastActivity.Before(cutoff) {
			seg.Status = StatusError
			seg.Worker = -1
			seg.Speed = 0
			count++
		}
	}
	return count
}

// Snapshot returns the persistable view of every segment in byte order.
func (p *Planner) Snapshot() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Planner) snapshotLocked() []Snapshot {
	snaps := make([]Snapshot, 0, len(p.segments))
	for _, seg := range p.segments {
		snaps = append(snaps, Snapshot{
			ID:         seg.ID,
			Start:      seg.Start,
			End:        seg.End,
			Downloaded: seg.Downloaded(),
			Worker:     seg.Worker,
			Complete:   seg.Status == StatusComplete,
		})
	}
	return snaps
}

// Segments returns a copy of the live segment map for display.
func (p *Planner) Segments() []Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Segment, 0, len(p.segments))
	for _, seg := range p.segments {
		out = append(out, *seg)
	}
	return out
}

// TotalDownloaded is the single source of truth for the entry's downloaded
// byte count.
func (p *Planner) TotalDownloaded() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, seg := range p.segments {
		total += seg.Downloaded()
	}
	return total
}

func (p *Planner) FileSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fileSize
}

// ActiveSpeed sums the speed samples of all active segments.
func (p *Planner) ActiveSpeed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total float64
	for _, seg := range p.segments {
		if seg.Status == StatusActive {
			total += seg.Speed
		}
	}
	return total
}

// IsComplete reports whether the planner has segments and every one of them
// finished.
func (p *Planner) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.segments) == 0 {
		return false
	}
	for _, seg := range p.segments {
		if seg.Status != StatusComplete {
			return false
		}
	}
	return true
}

func (p *Planner) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeCountLocked()
}

func (p *Planner) SegmentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.segments)
}

func (p *Planner) activeCountLocked() int {
	count := 0
	for _, seg := range p.segments {
		if seg.Status == StatusActive {
			count++
		}
	}
	return count
}

func (p *Planner) findLocked(segmentID int) *Segment {
	for _, seg := range p.segments {
		if seg.ID == segmentID {
			return seg
		}
	}
	return nil
}
