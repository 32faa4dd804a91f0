package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink appends one JSON object per line.
type FileSink struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &FileSink{path: path, file: f}, nil
}

func (s *FileSink) Write(ctx context.Context, entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	_, err = s.file.Write(line)
	return err
}

func (s *FileSink) Entries(ctx context.Context) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadFile(s.path)
}

func (s *FileSink) LastHash(ctx context.Context) (string, error) {
	entries, err := s.Entries(ctx)
	if err != nil || len(entries) == 0 {
		return "", err
	}
	return entries[len(entries)-1].Hash, nil
}

// Purge rewrites the log without entries older than before.
func (s *FileSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := ReadFile(s.path)
	if err != nil {
		return 0, err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating purge file: %w", err)
	}
	var removed int64
	enc := json.NewEncoder(f)
	for _, e := range entries {
		if e.Timestamp.Before(before) {
			removed++
			continue
		}
		if err := enc.Encode(e); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("writing purge file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	if s.file != nil {
		s.file.Close()
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, fmt.Errorf("replacing audit log: %w", err)
	}
	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, fmt.Errorf("reopening audit log: %w", err)
	}
	return removed, nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadFile loads a JSONL audit log. A missing file is an empty log.
func ReadFile(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()
	return decodeLines(f)
}

func decodeLines(r io.Reader) ([]*Entry, error) {
	var entries []*Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("audit log line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func decodeEntry(raw []byte) (*Entry, error) {
	var entry Entry
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
