// Package source feeds log lines from local files into the pipeline.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the stat fallback for filesystems where fsnotify
// misses writes.
const DefaultPollInterval = 250 * time.Millisecond

// FollowerOptions configures a Follower.
type FollowerOptions struct {
	// FromStart reads existing content instead of starting at the end.
	FromStart bool
	// Reopen reopens the path when it is recreated by rotation.
	Reopen bool
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Follower reads complete lines appended to a file. It survives rename
// rotation (when Reopen is set) and copytruncate.
type Follower struct {
	path string
	opts FollowerOptions

	file    *os.File
	reader  *bufio.Reader
	size    int64
	partial strings.Builder
}

// NewFollower creates a follower for path. The file must exist.
func NewFollower(path string, opts FollowerOptions) (*Follower, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Follower{path: abs, opts: opts}, nil
}

// Path returns the absolute path being followed.
func (f *Follower) Path() string {
	return f.path
}

// Run emits each complete line to emit until ctx is cancelled. A trailing
// line without a newline is held until its newline arrives.
func (f *Follower) Run(ctx context.Context, emit func(string)) error {
	if err := f.open(!f.opts.FromStart); err != nil {
		return err
	}
	defer f.closeFile()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched so a recreated file is seen.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}

	if err := f.drain(emit); err != nil {
		return err
	}

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != f.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Write):
				if err := f.drain(emit); err != nil {
					return err
				}
			case event.Has(fsnotify.Create) && f.opts.Reopen:
				f.reopen(emit)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.opts.Logger.Warn("file watcher error", "path", f.path, "error", err)
		case <-ticker.C:
			if err := f.poll(emit); err != nil {
				return err
			}
		}
	}
}

func (f *Follower) open(atEnd bool) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	var offset int64
	if atEnd {
		if offset, err = file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return fmt.Errorf("seek %s: %w", f.path, err)
		}
	}
	f.file = file
	f.reader = bufio.NewReader(file)
	f.size = offset
	f.partial.Reset()
	return nil
}

func (f *Follower) closeFile() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
}

// poll catches writes and truncation that fsnotify did not report.
func (f *Follower) poll(emit func(string)) error {
	if f.file == nil {
		// A failed reopen is retried here.
		if err := f.open(false); err != nil {
			return nil
		}
	}
	info, err := os.Stat(f.path)
	if err != nil {
		// Rotated away; wait for the create event.
		return nil
	}
	switch size := info.Size(); {
	case size < f.size:
		f.opts.Logger.Info("log file truncated", "path", f.path)
		if _, err := f.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", f.path, err)
		}
		f.reader.Reset(f.file)
		f.size = 0
		f.partial.Reset()
		return f.drain(emit)
	case size > f.size:
		return f.drain(emit)
	}
	return nil
}

func (f *Follower) reopen(emit func(string)) {
	// Lines still buffered in the old file are flushed first.
	if err := f.drain(emit); err != nil {
		f.opts.Logger.Warn("drain rotated file", "path", f.path, "error", err)
	}
	f.closeFile()

	for attempt := 0; attempt < 10; attempt++ {
		if err := f.open(false); err == nil {
			f.opts.Logger.Info("log file rotated", "path", f.path)
			if err := f.drain(emit); err != nil {
				f.opts.Logger.Warn("read rotated file", "path", f.path, "error", err)
			}
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	f.opts.Logger.Error("reopen log file failed", "path", f.path)
}

// drain reads every complete line currently available.
func (f *Follower) drain(emit func(string)) error {
	if f.reader == nil {
		return nil
	}
	for {
		chunk, err := f.reader.ReadString('\n')
		f.size += int64(len(chunk))
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.partial.WriteString(chunk)
				return nil
			}
			return fmt.Errorf("read %s: %w", f.path, err)
		}

		f.partial.WriteString(chunk)
		line := strings.TrimRight(f.partial.String(), "\r\n")
		f.partial.Reset()
		emit(line)
	}
}
