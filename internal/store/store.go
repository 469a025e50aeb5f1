package store

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

const (
	dbHeader  = "IDMCLONE_DB_V1"
	dbTrailer = "END_DB"
)

// Store is the registry's keyed persistence layer: a single text file plus
// an append-only journal. Mutations append a journal record and mark the
// store dirty; Flush rewrites the main file atomically (tmp + rename) and
// drops the journal. If a journal exists on open, a write was interrupted,
// so the main file is rewritten immediately after loading.
type Store struct {
	mu          sync.Mutex
	path        string
	journalPath string
	entries     map[string]Entry
	dirty       bool
}

// Open loads the database at path. A leftover journal is not replayed: its
// records hold only the operation, id and filename, so finding one only
// marks an interrupted write, and the main file is rewritten right away.
func Open(path string) (*Store, error) {
	log := utils.GetLogger("store")
	s := &Store{
		path:        path,
		journalPath: path + ".journal",
		entries:     make(map[string]Entry),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.journalPath); err == nil {
		log.Info().Str("path", s.journalPath).Msg("Journal found, rewriting database")
		s.dirty = true
		if err := s.Flush(); err != nil {
			return nil, err
		}
	}
	log.Debug().Int("entries", len(s.entries)).Msg("Database opened")
	return s, nil
}

// Add inserts a new entry.
func (s *Store) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
	s.appendJournal("ADD", e)
	s.dirty = true
}

// Update replaces an existing entry's record.
func (s *Store) Update(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; !ok {
		return
	}
	s.entries[e.ID] = e
	s.appendJournal("UPDATE", e)
	s.dirty = true
}

// Remove deletes an entry together with its .part and .seg files; the
// finished file is deleted too when deleteFiles is set.
func (s *Store) Remove(id string, deleteFiles bool) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)
	s.appendJournal("REMOVE", e)
	s.dirty = true
	s.mu.Unlock()

	if deleteFiles {
		os.Remove(e.FullPath())
	}
	os.Remove(e.PartialPath())
	os.Remove(e.StatePath())
	return true
}

// RemoveCompleted drops every entry in Complete status, keeping the
// downloaded files. Returns how many were removed.
func (s *Store) RemoveCompleted() int {
	s.mu.Lock()
	var ids []string
	for id, e := range s.entries {
		if e.Status == StatusComplete {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Remove(id, false)
	}
	return len(ids)
}

// Get returns a copy of the entry.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// All returns copies of every entry ordered by add time.
func (s *Store) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Added.Before(out[j].Added) })
	return out
}

// ByStatus returns copies of the entries in the given status.
func (s *Store) ByStatus(status Status) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Added.Before(out[j].Added) })
	return out
}

// Flush rewrites the main file atomically when dirty and clears the journal.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		return err
	}
	s.dirty = false
	os.Remove(s.journalPath)
	return nil
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	return s.Flush()
}

// appendJournal writes a one-line intent record. Caller holds s.mu.
func (s *Store) appendJournal(op string, e Entry) {
	f, err := os.OpenFile(s.journalPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s|%s|%s\n", op, e.ID, e.Filename)
}

func (s *Store) saveLocked() error {
	tmpPath := s.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("error creating database temp file: %v", err)
	}
	w := bufio.NewWriter(f)

	fmt.Fprintln(w, dbHeader)
	fmt.Fprintf(w, "ENTRY_COUNT=%d\n", len(s.entries))
	fmt.Fprintln(w, "---")
	for _, e := range s.entries {
		writeEntry(w, e)
	}
	fmt.Fprintln(w, dbTrailer)

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("error writing database: %v", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("error syncing database: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("error closing database: %v", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("error replacing database: %v", err)
	}
	return nil
}

func writeEntry(w *bufio.Writer, e Entry) {
	fmt.Fprintln(w, "BEGIN_ENTRY")
	fmt.Fprintf(w, "id=%s\n", e.ID)
	fmt.Fprintf(w, "url=%s\n", sanitizeValue(e.URL))
	fmt.Fprintf(w, "finalUrl=%s\n", sanitizeValue(e.FinalURL))
	fmt.Fprintf(w, "fileName=%s\n", sanitizeValue(e.Filename))
	fmt.Fprintf(w, "savePath=%s\n", sanitizeValue(e.Dir))
	fmt.Fprintf(w, "fileSize=%d\n", e.FileSize)
	fmt.Fprintf(w, "downloadedBytes=%d\n", e.Downloaded)
	fmt.Fprintf(w, "status=%d\n", int(e.Status))
	fmt.Fprintf(w, "category=%s\n", sanitizeValue(e.Category))
	fmt.Fprintf(w, "description=%s\n", sanitizeValue(e.Description))
	fmt.Fprintf(w, "dateAdded=%d\n", e.Added.Unix())
	if !e.Completed.IsZero() {
		fmt.Fprintf(w, "dateCompleted=%d\n", e.Completed.Unix())
	}
	fmt.Fprintf(w, "referrer=%s\n", sanitizeValue(e.Referrer))
	fmt.Fprintf(w, "cookies=%s\n", sanitizeValue(e.Cookies))
	fmt.Fprintf(w, "userAgent=%s\n", sanitizeValue(e.UserAgent))
	fmt.Fprintf(w, "numConnections=%d\n", e.Connections)
	fmt.Fprintf(w, "resumeSupported=%d\n", boolToInt(e.ResumeSupported))
	fmt.Fprintf(w, "etag=%s\n", sanitizeValue(e.ETag))
	fmt.Fprintf(w, "lastModified=%s\n", sanitizeValue(e.LastModified))
	fmt.Fprintf(w, "contentType=%s\n", sanitizeValue(e.ContentType))
	fmt.Fprintf(w, "errorMessage=%s\n", sanitizeValue(e.ErrorMessage))
	fmt.Fprintf(w, "retryCount=%d\n", e.RetryCount)
	fmt.Fprintf(w, "maxRetries=%d\n", e.MaxRetries)
	fmt.Fprintf(w, "checksum=%s\n", sanitizeValue(e.Checksum))
	fmt.Fprintf(w, "checksumType=%s\n", sanitizeValue(e.ChecksumType))
	fmt.Fprintf(w, "segmentCount=%d\n", len(e.Segments))
	for _, seg := range e.Segments {
		fmt.Fprintf(w, "seg=%d,%d,%d,%d,%d\n",
			seg.Start, seg.End, seg.Downloaded, seg.Worker, boolToInt(seg.Complete))
	}
	fmt.Fprintln(w, "END_ENTRY")
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error opening database: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() || scanner.Text() != dbHeader {
		return fmt.Errorf("unrecognized database format in %s", s.path)
	}
	for scanner.Scan() {
		if scanner.Text() == "---" {
			break
		}
	}

	var current Entry
	inEntry := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == dbTrailer {
			break
		}
		switch line {
		case "BEGIN_ENTRY":
			current = Entry{FileSize: -1}
			inEntry = true
			continue
		case "END_ENTRY":
			if inEntry && current.ID != "" {
				s.entries[current.ID] = current
			}
			inEntry = false
			continue
		}
		if !inEntry {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		parseField(&current, key, value)
	}
	return scanner.Err()
}

func parseField(e *Entry, key, value string) {
	switch key {
	case "id":
		e.ID = value
	case "url":
		e.URL = value
	case "finalUrl":
		e.FinalURL = value
	case "fileName":
		e.Filename = value
	case "savePath":
		e.Dir = value
	case "fileSize":
		e.FileSize, _ = strconv.ParseInt(value, 10, 64)
	case "downloadedBytes":
		e.Downloaded, _ = strconv.ParseInt(value, 10, 64)
	case "status":
		n, _ := strconv.Atoi(value)
		e.Status = Status(n)
	case "category":
		e.Category = value
	case "description":
		e.Description = value
	case "dateAdded":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			e.Added = time.Unix(n, 0)
		}
	case "dateCompleted":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			e.Completed = time.Unix(n, 0)
		}
	case "referrer":
		e.Referrer = value
	case "cookies":
		e.Cookies = value
	case "userAgent":
		e.UserAgent = value
	case "numConnections":
		e.Connections, _ = strconv.Atoi(value)
	case "resumeSupported":
		e.ResumeSupported = value == "1"
	case "etag":
		e.ETag = value
	case "lastModified":
		e.LastModified = value
	case "contentType":
		e.ContentType = value
	case "errorMessage":
		e.ErrorMessage = value
	case "retryCount":
		e.RetryCount, _ = strconv.Atoi(value)
	case "maxRetries":
		e.MaxRetries, _ = strconv.Atoi(value)
	case "checksum":
		e.Checksum = value
	case "checksumType":
		e.ChecksumType = value
	case "seg":
		parts := strings.Split(value, ",")
		if len(parts) < 5 {
			return
		}
		var snap segment.Snapshot
		snap.Start, _ = strconv.ParseInt(parts[0], 10, 64)
		snap.End, _ = strconv.ParseInt(parts[1], 10, 64)
		snap.Downloaded, _ = strconv.ParseInt(parts[2], 10, 64)
		snap.Worker, _ = strconv.Atoi(parts[3])
		snap.Complete = parts[4] == "1"
		snap.ID = len(e.Segments) + 1
		e.Segments = append(e.Segments, snap)
	}
}

// sanitizeValue keeps the line-oriented format intact when a field carries
// embedded newlines.
func sanitizeValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
