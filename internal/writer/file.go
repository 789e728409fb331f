package writer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// file is the subset of *os.File the record sinks need.
type file interface {
	io.Writer
	io.Seeker
	io.Closer
	Truncate(size int64) error
	Sync() error
}

// lineWriter persists whole encoded records.
type lineWriter interface {
	commit(p []byte) error
	close() error
}

// committedFile appends records to a file and rolls a failed append back to
// the end of the last complete record.
type committedFile struct {
	f    file
	size int64
}

func createFile(path string) (*committedFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &committedFile{f: f}, nil
}

func (c *committedFile) commit(p []byte) error {
	n, err := c.f.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return errors.Join(err, c.rollback())
	}
	c.size += int64(n)
	return nil
}

func (c *committedFile) rollback() error {
	if err := c.f.Truncate(c.size); err != nil {
		return fmt.Errorf("failed to truncate to last record: %w", err)
	}
	if _, err := c.f.Seek(c.size, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to last record: %w", err)
	}
	return nil
}

func (c *committedFile) close() error {
	return errors.Join(c.f.Sync(), c.f.Close())
}

// streamWriter writes records to a stream such as stdout. A consumer that
// closes the pipe early is not an error.
type streamWriter struct {
	bw *bufio.Writer
}

func newStreamWriter(w io.Writer) *streamWriter {
	return &streamWriter{bw: bufio.NewWriterSize(w, 64<<10)}
}

func (s *streamWriter) commit(p []byte) error {
	_, err := s.bw.Write(p)
	if isBrokenPipe(err) {
		return nil
	}
	return err
}

func (s *streamWriter) close() error {
	if err := s.bw.Flush(); err != nil && !isBrokenPipe(err) {
		return err
	}
	return nil
}

// isBrokenPipe reports whether an error is a broken pipe / closed pipe.
func isBrokenPipe(err error) bool {
	return err != nil && (errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe))
}
