package faulttolerance

import (
	"testing"
	"time"
)

func TestSpillWriteReadRemove(t *testing.T) {
	s, err := NewSpillStore(t.TempDir(), "warehouse", testLogger())
	if err != nil {
		t.Fatalf("NewSpillStore: %v", err)
	}

	records := [][]byte{
		[]byte(`{"symbol":"RELIANCE.BSE","price":1499.5}`),
		[]byte(`{"symbol":"TCS.BSE","price":3101.2}`),
	}
	name, err := s.Write(records)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if name == "" {
		t.Fatal("expected a spill file name")
	}

	files, err := s.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 1 || files[0] != name {
		t.Fatalf("Files() = %v, want [%s]", files, name)
	}

	got, err := s.Read(name)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("read %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if string(got[i]) != string(records[i]) {
			t.Errorf("record %d = %s, want %s", i, got[i], records[i])
		}
	}

	if err := s.Remove(name); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	files, _ = s.Files()
	if len(files) != 0 {
		t.Errorf("expected no files after Remove, got %v", files)
	}
}

func TestSpillWriteEmptyIsNoop(t *testing.T) {
	s, err := NewSpillStore(t.TempDir(), "publisher", testLogger())
	if err != nil {
		t.Fatalf("NewSpillStore: %v", err)
	}
	name, err := s.Write(nil)
	if err != nil {
		t.Fatalf("Write(nil): %v", err)
	}
	if name != "" {
		t.Errorf("expected no file for empty write, got %s", name)
	}
}

func TestSpillPrefixIsolation(t *testing.T) {
	dir := t.TempDir()
	pub, _ := NewSpillStore(dir, "publisher", testLogger())
	wh, _ := NewSpillStore(dir, "warehouse", testLogger())

	if _, err := pub.Write([][]byte{[]byte("a")}); err != nil {
		t.Fatalf("publisher Write: %v", err)
	}
	if _, err := wh.Write([][]byte{[]byte("b")}); err != nil {
		t.Fatalf("warehouse Write: %v", err)
	}

	pubFiles, _ := pub.Files()
	whFiles, _ := wh.Files()
	if len(pubFiles) != 1 || len(whFiles) != 1 {
		t.Errorf("stores sharing a dir must only see their own files: pub=%v wh=%v", pubFiles, whFiles)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	s, _ := NewSpillStore(t.TempDir(), "warehouse", testLogger())
	if _, err := s.Write([][]byte{[]byte("x")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Fresh files survive cleanup.
	removed, err := s.CleanupOlderThan(time.Hour)
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if removed != 0 {
		t.Errorf("fresh spill removed: %d", removed)
	}

	// A zero max age expires everything written before now.
	removed, err = s.CleanupOlderThan(-time.Second)
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 expired spill removed, got %d", removed)
	}
}
