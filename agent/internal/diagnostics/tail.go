package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/hpcloud/tail"
)

// maxTailBytes bounds how much of a log is read from its end.
const maxTailBytes = 64 << 10

// LogTail is the end of one log stream.
type LogTail struct {
	Stream  string   `json:"stream"`
	Path    string   `json:"path"`
	Missing bool     `json:"missing"`
	Lines   []string `json:"lines,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// tailLines returns at most n lines from the end of the file at path.
func tailLines(path string, n int) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 || n <= 0 {
		return nil, nil
	}

	offset := min(info.Size(), maxTailBytes)
	t, err := tail.TailFile(path, tail.Config{
		Location:  &tail.SeekInfo{Offset: -offset, Whence: io.SeekEnd},
		MustExist: true,
		Follow:    false,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", path, err)
	}
	defer release(t)

	ring := make([]string, 0, n)
	first := offset < info.Size()
	for line := range t.Lines {
		if line.Err != nil {
			return nil, fmt.Errorf("tail %s: %w", path, line.Err)
		}
		if first {
			// Started mid-line.
			first = false
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, line.Text)
	}
	if err := t.Err(); err != nil && !errors.Is(err, io.EOF) {
		return ring, fmt.Errorf("tail %s: %w", path, err)
	}
	return ring, nil
}

// release stops t and drains Lines, so a reader that returned early does
// not leave the tailing goroutine blocked on a send.
func release(t *tail.Tail) {
	t.Kill(nil)
	for range t.Lines {
	}
	t.Cleanup()
}

func readTail(stream, path string, n int) LogTail {
	lt := LogTail{Stream: stream, Path: path}
	lines, err := tailLines(path, n)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		lt.Missing = true
	case err != nil:
		lt.Error = err.Error()
	}
	lt.Lines = lines
	return lt
}
