package faulttolerance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SpillStore writes batches of encoded records to jsonl files in a local
// overflow directory and reads them back for recovery. It is the durable
// fallback for the publisher retry queue and the warehouse sink.
type SpillStore struct {
	dir    string
	prefix string
	logger *slog.Logger
}

// NewSpillStore creates the overflow directory if needed. The prefix
// namespaces files so publisher and warehouse spills can share a dir.
func NewSpillStore(dir, prefix string, logger *slog.Logger) (*SpillStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill directory: %w", err)
	}
	return &SpillStore{dir: dir, prefix: prefix, logger: logger}, nil
}

type spillEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
}

// Write spills the given records to a new file and returns its name.
func (s *SpillStore) Write(records [][]byte) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	name := fmt.Sprintf("%s_%d_%s.jsonl", s.prefix, time.Now().Unix(), uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create spill file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	now := time.Now()
	for _, rec := range records {
		line, err := json.Marshal(spillEntry{Timestamp: now, Data: string(rec)})
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush spill file: %w", err)
	}

	s.logger.Info("spilled records to disk", "file", name, "count", len(records))
	return name, nil
}

// Files lists this store's spill files, oldest first.
func (s *SpillStore) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spill directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if matched, _ := filepath.Match(s.prefix+"_*.jsonl", e.Name()); matched {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the records spilled to the named file.
func (s *SpillStore) Read(name string) ([][]byte, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry spillEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping corrupt spill line", "file", name)
			continue
		}
		records = append(records, []byte(entry.Data))
	}
	return records, scanner.Err()
}

// Remove deletes a drained spill file.
func (s *SpillStore) Remove(name string) error {
	return os.Remove(filepath.Join(s.dir, name))
}

// CleanupOlderThan removes spill files past maxAge, returning the count
// removed. Old spills are unrecoverable data loss and are logged as such.
func (s *SpillStore) CleanupOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read spill directory: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if matched, _ := filepath.Match(s.prefix+"_*.jsonl", e.Name()); !matched {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.Remove(e.Name()); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Warn("discarded expired spill files", "count", removed)
	}
	return removed, nil
}
