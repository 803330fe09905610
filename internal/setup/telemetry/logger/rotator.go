package logger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LineCappedFile is a log file that keeps only its most recent lines.
// Lines accumulate in a ring until twice the cap has been written, then the
// file is rewritten with the retained tail.
type LineCappedFile struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	ring    []string
	next    int
	held    int
	written int
}

// OpenLineCapped opens (or creates) path for appending with a cap of maxLines.
func OpenLineCapped(path string, maxLines int) (*LineCappedFile, error) {
	if maxLines <= 0 {
		maxLines = 1
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file %s: %w", path, err)
	}

	return &LineCappedFile{
		path: path,
		file: file,
		ring: make([]string, maxLines),
	}, nil
}

// Write implements io.Writer.
func (f *LineCappedFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.file.Write(p)
	if err != nil {
		return n, err
	}

	for line := range bytes.SplitSeq(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}

		f.push(string(line))

		if f.written >= 2*len(f.ring) {
			if err := f.compact(); err != nil {
				return n, fmt.Errorf("failed to rotate log file: %w", err)
			}
			f.written = f.held
		}
	}

	return n, nil
}

// Sync flushes the underlying file.
func (f *LineCappedFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.file.Sync()
}

// Close closes the underlying file.
func (f *LineCappedFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.file.Close()
}

func (f *LineCappedFile) push(line string) {
	f.ring[f.next] = line
	f.next = (f.next + 1) % len(f.ring)

	if f.held < len(f.ring) {
		f.held++
	}

	f.written++
}

// tail returns retained lines oldest first.
func (f *LineCappedFile) tail() []string {
	out := make([]string, 0, f.held)
	start := (f.next - f.held + len(f.ring)) % len(f.ring)

	for i := range f.held {
		out = append(out, f.ring[(start+i)%len(f.ring)])
	}

	return out
}

// compact swaps the file for one holding only the retained tail.
func (f *LineCappedFile) compact() error {
	temp, err := os.CreateTemp(filepath.Dir(f.path), "temp-log-")
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, line := range f.tail() {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	if _, err := temp.Write(buf.Bytes()); err != nil {
		temp.Close()
		os.Remove(temp.Name())

		return err
	}

	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return err
	}

	f.file.Close()

	if err := os.Rename(temp.Name(), f.path); err != nil {
		return err
	}

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	f.file = file

	return nil
}
