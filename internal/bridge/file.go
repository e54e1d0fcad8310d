package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const debounceInterval = 50 * time.Millisecond

// File is a bridge backed by a small JSON file. The supervisor publishes
// by writing it; the control side pulls by reading it and gets the push
// notification through fsnotify.
type File struct {
	path string
	log  zerolog.Logger
}

// NewFile returns a File bridge at path.
func NewFile(path string) *File {
	return &File{
		path: path,
		log:  log.Logger.With().Str("component", "bridge").Str("path", path).Logger(),
	}
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

// Publish writes p atomically: a temp file in the same directory renamed
// over the target, so readers never see a partial document.
func (f *File) Publish(p Ports) error {
	if !p.Valid() {
		return fmt.Errorf("bridge: invalid ports %s", p)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bridge: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ports-*")
	if err != nil {
		return fmt.Errorf("bridge: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("bridge: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("bridge: rename: %w", err)
	}

	f.log.Info().Int("data", p.Data).Int("frames", p.Frames).Msg("ports published")
	return nil
}

// Clear removes the file. A missing file is not an error.
func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Ports reads the published ports. A missing, empty or incomplete file
// reports ErrPortsUnavailable.
func (f *File) Ports(ctx context.Context) (Ports, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(data) == 0) {
		return Ports{}, ErrPortsUnavailable
	}
	if err != nil {
		return Ports{}, fmt.Errorf("bridge: read: %w", err)
	}

	var p Ports
	if err := json.Unmarshal(data, &p); err != nil {
		return Ports{}, fmt.Errorf("bridge: decode %s: %w", f.path, err)
	}
	if !p.Valid() {
		return Ports{}, ErrPortsUnavailable
	}
	return p, nil
}

// Watch calls fn once with the ports as soon as the file holds a valid
// pair, immediately if it already does. Events are debounced since a
// publish produces several of them.
func (f *File) Watch(ctx context.Context, fn func(Ports)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("bridge: watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: the file itself may not exist yet and is
	// replaced by rename on every publish.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("bridge: watch: %w", err)
	}

	if p, err := f.Ports(ctx); err == nil {
		fn(p)
		return nil
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.Events:
			if !ok {
				return ErrPortsUnavailable
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			p, err := f.Ports(ctx)
			if err != nil {
				f.log.Debug().Err(err).Msg("ports file not ready")
				continue
			}
			fn(p)
			return nil

		case err, ok := <-w.Errors:
			if !ok {
				return ErrPortsUnavailable
			}
			f.log.Warn().Err(err).Msg("watcher error")
		}
	}
}
