package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
)

func testEntry(name string) Entry {
	e := NewEntry("https://example.com/files/"+name, "/tmp/downloads", "")
	e.FileSize = 1048576
	e.Downloaded = 262144
	e.Status = StatusPaused
	e.Referrer = "https://example.com/page"
	e.UserAgent = "test-agent"
	e.ResumeSupported = true
	e.ETag = `"e1"`
	e.LastModified = "Wed, 21 Oct 2015 07:28:00 GMT"
	e.ContentType = "application/octet-stream"
	e.RetryCount = 2
	e.Checksum = "abc123"
	e.ChecksumType = "sha256"
	e.Segments = []segment.Snapshot{
		{ID: 1, Start: 0, End: 524287, Downloaded: 262144, Worker: -1, Complete: false},
		{ID: 2, Start: 524288, End: 1048575, Downloaded: 524288, Worker: -1, Complete: true},
	}
	return e
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := testEntry("archive.zip")
	s.Add(want)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get(want.ID)
	if !ok {
		t.Fatal("entry lost across reopen")
	}
	if got.URL != want.URL || got.Filename != want.Filename || got.Dir != want.Dir {
		t.Fatalf("identity fields changed: %+v", got)
	}
	if got.FileSize != want.FileSize || got.Downloaded != want.Downloaded {
		t.Fatalf("size fields changed: %d/%d", got.FileSize, got.Downloaded)
	}
	if got.Status != StatusPaused {
		t.Fatalf("status %v", got.Status)
	}
	if got.ETag != want.ETag || got.LastModified != want.LastModified {
		t.Fatal("validator tokens changed")
	}
	if got.Referrer != want.Referrer || got.UserAgent != want.UserAgent {
		t.Fatal("request metadata changed")
	}
	if !got.ResumeSupported || got.RetryCount != 2 {
		t.Fatal("flags changed")
	}
	if got.Checksum != want.Checksum || got.ChecksumType != want.ChecksumType {
		t.Fatal("digest fields changed")
	}
	if len(got.Segments) != 2 {
		t.Fatalf("segment count %d", len(got.Segments))
	}
	for i := range want.Segments {
		w, g := want.Segments[i], got.Segments[i]
		if g.Start != w.Start || g.End != w.End || g.Downloaded != w.Downloaded || g.Complete != w.Complete {
			t.Fatalf("segment %d mismatch: %+v vs %+v", i, g, w)
		}
	}
	if got.Added.Unix() != want.Added.Unix() {
		t.Fatal("add timestamp changed")
	}
}

func TestUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.db")
	s, _ := Open(path)
	e := testEntry("file.bin")
	s.Add(e)
	e.Downloaded = 999
	e.Status = StatusComplete
	e.Completed = time.Now()
	s.Update(e)
	s.Flush()

	reopened, _ := Open(path)
	got, _ := reopened.Get(e.ID)
	if got.Downloaded != 999 || got.Status != StatusComplete {
		t.Fatalf("update lost: %+v", got)
	}
	if got.Completed.IsZero() {
		t.Fatal("completion timestamp lost")
	}
}

func TestJournalTriggersRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.db")
	s, _ := Open(path)
	s.Add(testEntry("a.bin"))
	s.Flush()

	// Mutations without a flush leave a journal behind, as after a crash.
	s.Add(testEntry("b.bin"))
	if _, err := os.Stat(path + ".journal"); err != nil {
		t.Fatal("mutation left no journal")
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen with journal: %v", err)
	}
	if _, err := os.Stat(path + ".journal"); !os.IsNotExist(err) {
		t.Fatal("journal survived reopen")
	}
	// Only the flushed entry is recoverable; the journal marks the
	// interrupted write so the main file is rewritten clean.
	if count := len(reopened.All()); count != 1 {
		t.Fatalf("recovered %d entries, want 1", count)
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.db")
	s, _ := Open(path)
	e := testEntry("gone.bin")
	s.Add(e)
	if !s.Remove(e.ID, false) {
		t.Fatal("Remove returned false")
	}
	if _, ok := s.Get(e.ID); ok {
		t.Fatal("entry still present")
	}
	if s.Remove(e.ID, false) {
		t.Fatal("second Remove returned true")
	}
}

func TestRemoveDeletesFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(filepath.Join(dir, "downloads.db"))
	e := NewEntry("https://example.com/f.bin", dir, "")
	os.WriteFile(e.FullPath(), []byte("x"), 0644)
	os.WriteFile(e.PartialPath(), []byte("x"), 0644)
	os.WriteFile(e.StatePath(), []byte("x"), 0644)
	s.Add(e)
	s.Remove(e.ID, true)
	for _, p := range []string{e.FullPath(), e.PartialPath(), e.StatePath()} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s not deleted", p)
		}
	}
}

func TestByStatusAndRemoveCompleted(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "downloads.db"))
	done := testEntry("done.bin")
	done.Status = StatusComplete
	paused := testEntry("paused.bin")
	s.Add(done)
	s.Add(paused)

	if got := s.ByStatus(StatusPaused); len(got) != 1 || got[0].ID != paused.ID {
		t.Fatalf("ByStatus(Paused) returned %d entries", len(got))
	}
	if n := s.RemoveCompleted(); n != 1 {
		t.Fatalf("RemoveCompleted removed %d", n)
	}
	if _, ok := s.Get(done.ID); ok {
		t.Fatal("completed entry survived")
	}
	if _, ok := s.Get(paused.ID); !ok {
		t.Fatal("paused entry removed")
	}
}

func TestNewEntryDefaults(t *testing.T) {
	e := NewEntry("https://example.com/music/song.mp3?token=1", "/dl", "")
	if e.Filename != "song.mp3" {
		t.Fatalf("filename %q", e.Filename)
	}
	if e.Category != "Music" {
		t.Fatalf("category %q", e.Category)
	}
	if e.ID == "" || e.FileSize != -1 || e.Status != StatusQueued {
		t.Fatalf("bad defaults: %+v", e)
	}
	if e.PartialPath() != filepath.Join("/dl", "song.mp3")+".part" {
		t.Fatalf("partial path %q", e.PartialPath())
	}
	if e.StatePath() != filepath.Join("/dl", "song.mp3")+".seg" {
		t.Fatalf("state path %q", e.StatePath())
	}
}
