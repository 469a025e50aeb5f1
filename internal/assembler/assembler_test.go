package assembler

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenPreallocates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dir", "file.bin.part")
	p, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 4096 {
		t.Fatalf("pre-allocated size %d, want 4096", info.Size())
	}
}

func TestOpenKeepsExistingBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.part")
	if err := os.WriteFile(path, []byte("existing"), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p.Close()
	data, _ := os.ReadFile(path)
	if string(data) != "existing" {
		t.Fatalf("reopen truncated existing partial file: %q", data)
	}
}

func TestWriteAtRandomOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.part")
	p, err := Open(path, 300)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Later offsets land before earlier ones.
	if err := p.WriteAt(bytes.Repeat([]byte{'c'}, 100), 200); err != nil {
		t.Fatal(err)
	}
	if err := p.WriteAt(bytes.Repeat([]byte{'a'}, 100), 0); err != nil {
		t.Fatal(err)
	}
	if err := p.WriteAt(bytes.Repeat([]byte{'b'}, 100), 100); err != nil {
		t.Fatal(err)
	}
	p.Close()

	data, _ := os.ReadFile(path)
	want := append(bytes.Repeat([]byte{'a'}, 100), append(bytes.Repeat([]byte{'b'}, 100), bytes.Repeat([]byte{'c'}, 100)...)...)
	if !bytes.Equal(data, want) {
		t.Fatal("positioned writes produced wrong bytes")
	}
}

func TestWriteAtLargeChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.part")
	p, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	big := bytes.Repeat([]byte{0x5a}, maxWriteSize+1234)
	if err := p.WriteAt(big, 0); err != nil {
		t.Fatal(err)
	}
	p.Close()
	info, _ := os.Stat(path)
	if info.Size() != int64(len(big)) {
		t.Fatalf("size %d after capped writes, want %d", info.Size(), len(big))
	}
}

func TestFinalizeRename(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "file.bin.part")
	target := filepath.Join(dir, "file.bin")
	os.WriteFile(partial, []byte("payload"), 0644)

	got, err := Finalize(partial, target, AutoRename)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got != target {
		t.Fatalf("final path %s, want %s", got, target)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatal("partial file still exists")
	}
}

func TestFinalizeAutoRename(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")
	os.WriteFile(target, []byte("old"), 0644)

	partial := filepath.Join(dir, "file.bin.part")
	os.WriteFile(partial, []byte("new"), 0644)
	got, err := Finalize(partial, target, AutoRename)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got != filepath.Join(dir, "file(1).bin") {
		t.Fatalf("final path %s, want file(1).bin", got)
	}

	// A second collision picks the next free suffix and keeps all bytes.
	partial2 := filepath.Join(dir, "file.bin.part")
	os.WriteFile(partial2, []byte("newer"), 0644)
	got2, err := Finalize(partial2, target, AutoRename)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got2 != filepath.Join(dir, "file(2).bin") {
		t.Fatalf("final path %s, want file(2).bin", got2)
	}
	for path, want := range map[string]string{
		target: "old",
		got:    "new",
		got2:   "newer",
	} {
		data, _ := os.ReadFile(path)
		if string(data) != want {
			t.Fatalf("%s holds %q, want %q", path, data, want)
		}
	}
}

func TestFinalizeOverwrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")
	os.WriteFile(target, []byte("old"), 0644)
	partial := filepath.Join(dir, "file.bin.part")
	os.WriteFile(partial, []byte("new"), 0644)

	got, err := Finalize(partial, target, Overwrite)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	data, _ := os.ReadFile(got)
	if string(data) != "new" {
		t.Fatalf("overwrite kept %q", data)
	}
}

func TestFinalizeSkip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")
	os.WriteFile(target, []byte("old"), 0644)
	partial := filepath.Join(dir, "file.bin.part")
	os.WriteFile(partial, []byte("new"), 0644)

	got, err := Finalize(partial, target, Skip)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got != target {
		t.Fatalf("skip returned %s, want original target", got)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "old" {
		t.Fatal("skip replaced the existing file")
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatal("skip kept the partial file")
	}
}

func TestSetModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	os.WriteFile(path, []byte("x"), 0644)
	SetModTime(path, "Wed, 21 Oct 2015 07:28:00 GMT")
	info, _ := os.Stat(path)
	want := time.Date(2015, 10, 21, 7, 28, 0, 0, time.UTC)
	if !info.ModTime().UTC().Equal(want) {
		t.Fatalf("mod time %v, want %v", info.ModTime().UTC(), want)
	}
	// Garbage dates are ignored.
	SetModTime(path, "not a date")
	info2, _ := os.Stat(path)
	if !info2.ModTime().UTC().Equal(want) {
		t.Fatal("invalid date changed the timestamp")
	}
}
