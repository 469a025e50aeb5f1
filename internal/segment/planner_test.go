package segment

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const (
	testSize = int64(1048576)
	testMin  = int64(65536)
)

// verifyCoverage checks that the segment ranges partition [0, size-1]
// exactly, in byte order.
func verifyCoverage(t *testing.T, p *Planner, size int64) {
	t.Helper()
	segs := p.Segments()
	if len(segs) == 0 {
		t.Fatal("planner has no segments")
	}
	var next int64
	for i, seg := range segs {
		if seg.Start != next {
			t.Fatalf("segment %d starts at %d, want %d", i, seg.Start, next)
		}
		if seg.End < seg.Start {
			t.Fatalf("segment %d has end %d before start %d", i, seg.End, seg.Start)
		}
		next = seg.End + 1
	}
	if next != size {
		t.Fatalf("segments cover [0, %d), want [0, %d)", next, size)
	}
}

func TestInitializeSingleSegment(t *testing.T) {
	p := NewPlanner()
	p.Initialize(testSize, 4, testMin)
	segs := p.Segments()
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Start != 0 || segs[0].End != testSize-1 {
		t.Fatalf("unexpected range [%d, %d]", segs[0].Start, segs[0].End)
	}
	if p.IsComplete() {
		t.Fatal("fresh planner reports complete")
	}
}

func TestTwoWorkerSplit(t *testing.T) {
	p := NewPlanner()
	p.Initialize(testSize, 2, testMin)

	a, ok := p.RequestSegment(1)
	if !ok {
		t.Fatal("first worker got no work")
	}
	if a.Cursor != 0 || a.End != testSize-1 {
		t.Fatalf("first assignment [%d, %d], want [0, %d]", a.Cursor, a.End, testSize-1)
	}

	b, ok := p.RequestSegment(2)
	if !ok {
		t.Fatal("second worker got no work")
	}
	if b.Cursor != 524288 || b.End != 1048575 {
		t.Fatalf("split assignment [%d, %d], want [524288, 1048575]", b.Cursor, b.End)
	}
	segs := p.Segments()
	if segs[0].Start != 0 || segs[0].End != 524287 {
		t.Fatalf("parent shrunk to [%d, %d], want [0, 524287]", segs[0].Start, segs[0].End)
	}
	verifyCoverage(t, p, testSize)
}

func TestSplitAlignsToBoundary(t *testing.T) {
	p := NewPlanner()
	p.Initialize(testSize, 4, testMin)
	a, _ := p.RequestSegment(1)
	// Advance the first worker so the midpoint is not naturally aligned.
	p.UpdateProgress(a.SegmentID, 12345, 0)

	b, ok := p.RequestSegment(2)
	if !ok {
		t.Fatal("second worker got no work")
	}
	if b.Cursor%AlignBoundary != 0 {
		t.Fatalf("split point %d not aligned to %d", b.Cursor, AlignBoundary)
	}
	verifyCoverage(t, p, testSize)
}

func TestSplitMinimumRespected(t *testing.T) {
	p := NewPlanner()
	p.Initialize(testSize, 8, testMin)
	for worker := 1; worker <= 8; worker++ {
		if _, ok := p.RequestSegment(worker); !ok {
			break
		}
	}
	for _, seg := range p.Segments() {
		if remaining := seg.Remaining(); remaining < testMin {
			t.Fatalf("segment %d has remaining %d below minimum %d", seg.ID, remaining, testMin)
		}
	}
	verifyCoverage(t, p, testSize)
}

func TestNoSplitBelowTwiceMinimum(t *testing.T) {
	p := NewPlanner()
	p.Initialize(2*testMin-1, 4, testMin)
	if _, ok := p.RequestSegment(1); !ok {
		t.Fatal("first worker got no work")
	}
	if _, ok := p.RequestSegment(2); ok {
		t.Fatal("planner split a segment smaller than twice the minimum")
	}
}

func TestConcurrencyCap(t *testing.T) {
	p := NewPlanner()
	p.Initialize(testSize, 2, testMin)
	p.RequestSegment(1)
	p.RequestSegment(2)
	if _, ok := p.RequestSegment(3); ok {
		t.Fatal("planner exceeded max workers")
	}
	if p.ActiveCount() != 2 {
		t.Fatalf("active count %d, want 2", p.ActiveCount())
	}
}

func TestUnknownSizeSingleWorker(t *testing.T) {
	p := NewPlanner()
	p.Initialize(-1, 8, testMin)
	a, ok := p.RequestSegment(1)
	if !ok {
		t.Fatal("first worker got no work for unknown size")
	}
	if a.Cursor != 0 || a.End != -1 {
		t.Fatalf("unexpected unbounded assignment [%d, %d]", a.Cursor, a.End)
	}
	if _, ok := p.RequestSegment(2); ok {
		t.Fatal("second worker got work on an unbounded download")
	}
	p.UpdateProgress(a.SegmentID, 5000, 0)
	if p.TotalDownloaded() != 5000 {
		t.Fatalf("downloaded %d, want 5000", p.TotalDownloaded())
	}
	p.MarkComplete(a.SegmentID)
	if !p.IsComplete() {
		t.Fatal("unbounded planner not complete after MarkComplete")
	}
}

func TestZeroSizeCompletesImmediately(t *testing.T) {
	p := NewPlanner()
	p.Initialize(0, 4, testMin)
	if !p.IsComplete() {
		t.Fatal("zero-size planner should be complete")
	}
	if _, ok := p.RequestSegment(1); ok {
		t.Fatal("zero-size planner handed out work")
	}
	if p.TotalDownloaded() != 0 {
		t.Fatalf("downloaded %d, want 0", p.TotalDownloaded())
	}
}

func TestSizeOneNeverSplits(t *testing.T) {
	p := NewPlanner()
	p.Initialize(1, 4, testMin)
	a, ok := p.RequestSegment(1)
	if !ok {
		t.Fatal("no work for one-byte file")
	}
	if a.Cursor != 0 || a.End != 0 {
		t.Fatalf("assignment [%d, %d], want [0, 0]", a.Cursor, a.End)
	}
	if _, ok := p.RequestSegment(2); ok {
		t.Fatal("one-byte file split")
	}
	p.UpdateProgress(a.SegmentID, 1, 0)
	if !p.IsComplete() {
		t.Fatal("one-byte file not complete after its byte arrived")
	}
}

func TestCursorClampCompletes(t *testing.T) {
	p := NewPlanner()
	p.Initialize(100, 1, testMin)
	a, _ := p.RequestSegment(1)
	p.UpdateProgress(a.SegmentID, 150, 0)
	segs := p.Segments()
	if segs[0].Cursor != 100 {
		t.Fatalf("cursor %d, want clamp to 100", segs[0].Cursor)
	}
	if segs[0].Status != StatusComplete {
		t.Fatal("segment not complete after cursor passed end")
	}
}

func TestSumIdentity(t *testing.T) {
	p := NewPlanner()
	p.Initialize(testSize, 4, testMin)
	a, _ := p.RequestSegment(1)
	b, _ := p.RequestSegment(2)
	c, _ := p.RequestSegment(3)

	var want int64
	for i, assignment := range []Assignment{a, b, c} {
		added := int64((i + 1) * 1000)
		p.UpdateProgress(assignment.SegmentID, added, 0)
		want += added
	}
	if got := p.TotalDownloaded(); got != want {
		t.Fatalf("total downloaded %d, want %d", got, want)
	}
	var sum int64
	for _, seg := range p.Segments() {
		sum += seg.Downloaded()
	}
	if sum != want {
		t.Fatalf("segment sum %d, want %d", sum, want)
	}
}

func TestErroredSegmentReassigned(t *testing.T) {
	p := NewPlanner()
	p.Initialize(testSize, 2, testMin)
	a, _ := p.RequestSegment(1)
	p.UpdateProgress(a.SegmentID, 1000, 0)
	p.MarkError(a.SegmentID)

	b, ok := p.RequestSegment(2)
	if !ok {
		t.Fatal("errored segment not reassigned")
	}
	if b.SegmentID != a.SegmentID {
		t.Fatalf("reassigned segment %d, want %d", b.SegmentID, a.SegmentID)
	}
	if b.Cursor != 1000 {
		t.Fatalf("reassignment cursor %d, want 1000 (progress kept)", b.Cursor)
	}
}

func TestReleaseKeepsProgress(t *testing.T) {
	p := NewPlanner()
	p.Initialize(testSize, 2, testMin)
	a, _ := p.RequestSegment(1)
	p.UpdateProgress(a.SegmentID, 4096, 0)
	p.ReleaseSegment(a.SegmentID)

	segs := p.Segments()
	if segs[0].Status != StatusPending {
		t.Fatal("released segment not pending")
	}
	if segs[0].Worker != -1 {
		t.Fatal("released segment still owned")
	}
	if p.TotalDownloaded() != 4096 {
		t.Fatalf("downloaded %d after release, want 4096", p.TotalDownloaded())
	}
}

func TestFailStale(t *testing.T) {
	p := NewPlanner()
	p.Initialize(testSize, 2, testMin)
	a, _ := p.RequestSegment(1)
	time.Sleep(10 * time.Millisecond)
	if n := p.FailStale(5 * time.Millisecond); n != 1 {
		t.Fatalf("FailStale reassigned %d segments, want 1", n)
	}
	segs := p.Segments()
	if segs[0].Status != StatusError {
		t.Fatal("stale segment not errored")
	}
	if _, ok := p.RequestSegment(2); !ok {
		t.Fatal("stale segment not reassignable")
	}
	_ = a
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.seg")

	p := NewPlanner()
	p.Initialize(testSize, 4, testMin)
	a, _ := p.RequestSegment(1)
	b, _ := p.RequestSegment(2)
	p.UpdateProgress(a.SegmentID, 10000, 0)
	p.UpdateProgress(b.SegmentID, 20000, 0)
	p.MarkComplete(b.SegmentID)
	if err := p.SaveState(path); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	restored := NewPlanner()
	if err := restored.LoadStateFromFile(path, 4, testMin); err != nil {
		t.Fatalf("LoadStateFromFile: %v", err)
	}

	orig := p.Segments()
	loaded := restored.Segments()
	if len(orig) != len(loaded) {
		t.Fatalf("segment count %d, want %d", len(loaded), len(orig))
	}
	for i := range orig {
		if orig[i].Start != loaded[i].Start || orig[i].End != loaded[i].End {
			t.Fatalf("segment %d boundaries [%d,%d], want [%d,%d]",
				i, loaded[i].Start, loaded[i].End, orig[i].Start, orig[i].End)
		}
		if orig[i].Downloaded() != loaded[i].Downloaded() {
			t.Fatalf("segment %d downloaded %d, want %d", i, loaded[i].Downloaded(), orig[i].Downloaded())
		}
		wantStatus := orig[i].Status
		if wantStatus == StatusActive || wantStatus == StatusError {
			wantStatus = StatusPending
		}
		if loaded[i].Status != wantStatus {
			t.Fatalf("segment %d status %v, want %v", i, loaded[i].Status, wantStatus)
		}
		if loaded[i].Worker != -1 {
			t.Fatalf("segment %d kept worker %d across sessions", i, loaded[i].Worker)
		}
	}
	if p.TotalDownloaded() != restored.TotalDownloaded() {
		t.Fatalf("downloaded %d, want %d", restored.TotalDownloaded(), p.TotalDownloaded())
	}
	verifyCoverage(t, restored, testSize)
}

func TestLoadStateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.seg")
	if err := os.WriteFile(path, []byte("not a state file"), 0644); err != nil {
		t.Fatal(err)
	}
	p := NewPlanner()
	if err := p.LoadStateFromFile(path, 4, testMin); err == nil {
		t.Fatal("expected error loading garbage state file")
	}
}

func TestRestoreSnapshots(t *testing.T) {
	snaps := []Snapshot{
		{ID: 1, Start: 0, End: 499999, Downloaded: 250000, Worker: 3, Complete: false},
		{ID: 2, Start: 500000, End: 1048575, Downloaded: 548576, Worker: 4, Complete: true},
	}
	p := NewPlanner()
	p.Restore(snaps, testSize, 4, testMin)

	segs := p.Segments()
	if segs[0].Cursor != 250000 {
		t.Fatalf("cursor %d, want 250000", segs[0].Cursor)
	}
	if segs[0].Status != StatusPending || segs[0].Worker != -1 {
		t.Fatal("incomplete snapshot should restore as unassigned pending")
	}
	if segs[1].Status != StatusComplete {
		t.Fatal("complete snapshot lost its flag")
	}
	if p.TotalDownloaded() != 798576 {
		t.Fatalf("downloaded %d, want 798576", p.TotalDownloaded())
	}
	verifyCoverage(t, p, testSize)
}
