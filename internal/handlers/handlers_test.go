package handlers

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListDirSortsDirsBeforeFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"zeta.txt", "alpha.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "beta"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	res, err := ListDir(dir)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(res.Entries))
	}
	if !res.Entries[0].IsDir || res.Entries[0].Name != "beta" {
		t.Fatalf("expected directory first, got %+v", res.Entries[0])
	}
	if res.Entries[1].Name != "alpha.txt" || res.Entries[2].Name != "zeta.txt" {
		t.Fatalf("expected files sorted by name, got %s then %s", res.Entries[1].Name, res.Entries[2].Name)
	}
}

func TestStatFileSetsExtensionAndSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	res, err := StatFile(path)
	if err != nil {
		t.Fatalf("StatFile: %v", err)
	}
	if res.Entry.Extension == nil || *res.Entry.Extension != "txt" {
		t.Fatalf("expected extension txt, got %+v", res.Entry.Extension)
	}
	if res.Entry.Size != 5 {
		t.Fatalf("expected size 5, got %d", res.Entry.Size)
	}
}

func TestReadFileRespectsOffsetAndEof(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	length := uint64(4)
	chunk, err := ReadFile(path, 2, &length)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(chunk.Data) != "2345" {
		t.Fatalf("expected 2345, got %q", chunk.Data)
	}
	if chunk.Eof {
		t.Fatalf("expected eof false with more data remaining")
	}

	tail, err := ReadFile(path, 8, nil)
	if err != nil {
		t.Fatalf("ReadFile tail: %v", err)
	}
	if string(tail.Data) != "89" || !tail.Eof {
		t.Fatalf("expected final chunk '89' with eof true, got %q eof=%v", tail.Data, tail.Eof)
	}
}

func TestReadFilePastEndReturnsEmptyEof(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	chunk, err := ReadFile(path, 100, nil)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(chunk.Data) != 0 || !chunk.Eof {
		t.Fatalf("expected empty eof chunk past end of file, got %+v", chunk)
	}
}

func TestWriteFileCreatesMissingParent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "new.txt")

	ack, err := WriteFile(path, 0, []byte("hi"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if ack.BytesWritten != 2 {
		t.Fatalf("expected 2 bytes written, got %d", ack.BytesWritten)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after write: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("expected 'hi', got %q", data)
	}
}

func TestWriteFileExtendsPastEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extend.bin")
	if err := os.WriteFile(path, []byte("ab"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := WriteFile(path, 5, []byte("xy")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != 7 {
		t.Fatalf("expected file extended to 7 bytes, got %d", len(data))
	}
	if string(data[5:7]) != "xy" {
		t.Fatalf("expected tail 'xy', got %q", data[5:7])
	}
}
