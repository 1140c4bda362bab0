// Package readinglog appends sensor readings to flat text files, one file per
// sensor kind.
package readinglog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/metrics"
)

// Logger appends lines to files in a single directory. Appends to the same file
// are serialized; appends to different files do not wait on each other.
type Logger struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	files map[string]*fileState
}

type fileState struct {
	mu    sync.Mutex
	lines uint64
}

// New returns a Logger writing into dir. The directory is created on the first
// append.
func New(dir string, logger zerolog.Logger) *Logger {
	return &Logger{
		dir:    dir,
		logger: logger.With().Str("component", "readinglog").Logger(),
		files:  make(map[string]*fileState),
	}
}

func (l *Logger) Dir() string {
	return l.dir
}

func (l *Logger) state(fileName string) *fileState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.files[fileName]
	if !ok {
		st = &fileState{}
		l.files[fileName] = st
	}
	return st
}

// Append opens fileName (creating it if needed), appends line and a newline,
// and closes the file again before returning.
func (l *Logger) Append(fileName, line string) (err error) {
	if fileName == "" || filepath.Base(fileName) != fileName {
		return fmt.Errorf("%w: invalid file name %q", band.ErrWriteFailure, fileName)
	}
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%w: line for %s contains a line break", band.ErrWriteFailure, fileName)
	}

	start := time.Now()
	st := l.state(fileName)
	st.mu.Lock()
	defer st.mu.Unlock()
	defer func() {
		metrics.AppendDuration.WithLabelValues(fileName).Observe(time.Since(start).Seconds())
	}()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", band.ErrWriteFailure, l.dir, err)
	}

	path := filepath.Join(l.dir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", band.ErrWriteFailure, path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %w", band.ErrWriteFailure, path, cerr)
		}
	}()

	// one write per line so a line is never split between appends
	if _, werr := f.WriteString(line + "\n"); werr != nil {
		return fmt.Errorf("%w: append %s: %w", band.ErrWriteFailure, path, werr)
	}
	st.lines++
	l.logger.Trace().Str("file", fileName).Str("line", line).Msg("Appended")
	return nil
}

// Log formats r and appends it to its sensor's file.
func (l *Logger) Log(r band.Reading) error {
	fileName, line, err := Format(r)
	if err != nil {
		return fmt.Errorf("%w: %w", band.ErrWriteFailure, err)
	}
	sensor := string(r.Kind())
	if err := l.Append(fileName, line); err != nil {
		metrics.WriteFailures.WithLabelValues(sensor).Inc()
		return err
	}
	metrics.ReadingsTotal.WithLabelValues(sensor).Inc()
	return nil
}

// Lines reports how many lines this Logger has appended to fileName.
func (l *Logger) Lines(fileName string) uint64 {
	st := l.state(fileName)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lines
}
