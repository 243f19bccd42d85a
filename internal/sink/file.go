package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// ErrNothingSaved is returned by Finalize when no sentence was ever written.
var ErrNothingSaved = errors.New("no transcription data was saved")

// DefaultTitle names a transcript saved without a title.
const DefaultTitle = "Untitled"

var unsafeTitleChars = regexp.MustCompile(`[^\p{L}\p{N}_\-. ]`)

// SafeTitle replaces characters that are not letters, digits, underscore,
// hyphen, dot or space with underscores.
func SafeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	return unsafeTitleChars.ReplaceAllString(title, "_")
}

// UniquePath returns dir/base+ext, or the first dir/base_N+ext that does not exist.
func UniquePath(dir, base, ext string) string {
	path := filepath.Join(dir, base+ext)
	for n := 1; exists(path); n++ {
		path = filepath.Join(dir, base+"_"+strconv.Itoa(n)+ext)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileSink appends "[HH:MM:SS] text" lines to a temp file that Finalize
// renames to the transcript title. The temp file is created on the first
// sentence, so a session without sentences leaves nothing behind.
type FileSink struct {
	dir      string
	tempPath string

	mu        sync.Mutex
	file      *os.File
	finalized bool
}

// NewFileSink prepares temp_<YYYYmmdd_HHMMSS>.txt inside dir.
func NewFileSink(dir string, started time.Time) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &FileSink{
		dir:      dir,
		tempPath: filepath.Join(dir, "temp_"+started.Format("20060102_150405")+".txt"),
	}, nil
}

// TempPath is where sentences are written while capturing.
func (f *FileSink) TempPath() string {
	return f.tempPath
}

// Write appends one line.
func (f *FileSink) Write(_ context.Context, s transcript.Sentence) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finalized {
		return fmt.Errorf("transcript file already finalized")
	}
	if f.file == nil {
		file, err := os.OpenFile(f.tempPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open transcript file: %w", err)
		}
		f.file = file
	}

	if _, err := f.file.WriteString(s.Line() + "\n"); err != nil {
		return fmt.Errorf("write transcript line: %w", err)
	}
	return nil
}

// Close flushes the temp file. It stays in place until Finalize.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeFile()
}

func (f *FileSink) closeFile() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// Finalize closes the file and renames it to "<safe title>.txt", adding an
// _N suffix until the name is free. It returns the final path.
func (f *FileSink) Finalize(title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.closeFile(); err != nil {
		return "", fmt.Errorf("close transcript file: %w", err)
	}
	f.finalized = true

	if !exists(f.tempPath) {
		return "", ErrNothingSaved
	}

	final := UniquePath(f.dir, SafeTitle(title), ".txt")
	if err := os.Rename(f.tempPath, final); err != nil {
		return "", fmt.Errorf("rename transcript file: %w", err)
	}
	return final, nil
}
