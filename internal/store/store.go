// Package store persists record collections as JSON documents.
//
// Saves are fire-and-forget: callers hand over a snapshot and move on,
// and a background writer persists the newest snapshot. Intermediate
// snapshots may be skipped. Readers and writers in other processes are
// excluded with a lock file next to the document.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/steveyegge/foreman/internal/util"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("store closed")

// Saver accepts snapshots for asynchronous persistence.
type Saver[T any] interface {
	Save(records []T)
}

// Store loads and saves a collection of records.
type Store[T any] interface {
	Saver[T]
	Load(ctx context.Context) ([]T, error)
}

// document is the on-disk envelope.
type document[T any] struct {
	Version int `json:"version"`
	Records []T `json:"records"`
}

const documentVersion = 1

// lockRetryDelay is the polling interval while waiting for a shared lock.
const lockRetryDelay = 20 * time.Millisecond

// JSONFile is a Store backed by one JSON document.
type JSONFile[T any] struct {
	path     string
	lockPath string
	logger   *slog.Logger
	retry    util.RetryConfig

	mu      sync.Mutex
	pending []T
	dirty   bool

	wake    chan struct{}
	flushes chan chan error
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

var _ Store[struct{}] = (*JSONFile[struct{}])(nil)

// NewJSONFile opens a store at path and starts its writer goroutine.
// The parent directory is created on first write.
func NewJSONFile[T any](path string, logger *slog.Logger) *JSONFile[T] {
	if logger == nil {
		logger = slog.Default()
	}
	s := &JSONFile[T]{
		path:     path,
		lockPath: path + ".lock",
		logger:   logger.With("component", "store", "path", path),
		retry:    util.DefaultRetryConfig(),
		wake:     make(chan struct{}, 1),
		flushes:  make(chan chan error),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Path returns the document path.
func (s *JSONFile[T]) Path() string { return s.path }

// Load reads the document. A missing document is an empty collection.
func (s *JSONFile[T]) Load(ctx context.Context) ([]T, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	lock := flock.New(s.lockPath)
	locked, err := lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire lock: %s busy", s.lockPath)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var doc document[T]
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return doc.Records, nil
}

// Save queues records for writing and returns immediately.
func (s *JSONFile[T]) Save(records []T) {
	s.mu.Lock()
	s.pending = append([]T(nil), records...)
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every snapshot queued before the call is written.
func (s *JSONFile[T]) Flush(ctx context.Context) error {
	ch := make(chan error, 1)
	select {
	case s.flushes <- ch:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes any pending snapshot and stops the writer.
func (s *JSONFile[T]) Close() error {
	s.once.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

func (s *JSONFile[T]) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			_ = s.drain()
		case ch := <-s.flushes:
			ch <- s.drain()
		case <-s.quit:
			_ = s.drain()
			return
		}
	}
}

func (s *JSONFile[T]) drain() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	records := s.pending
	s.pending = nil
	s.dirty = false
	s.mu.Unlock()

	err := util.RetryErr(context.Background(), s.retry, func() error {
		return s.write(records)
	})
	if err != nil {
		s.logger.Error("save failed", "records", len(records), "err", err)
	}
	return err
}

// write replaces the document atomically under the exclusive lock.
func (s *JSONFile[T]) write(records []T) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return util.MarkPermanent(fmt.Errorf("creating store dir: %w", err))
	}

	lock := flock.New(s.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	if records == nil {
		records = []T{}
	}
	data, err := json.MarshalIndent(document[T]{Version: documentVersion, Records: records}, "", "  ")
	if err != nil {
		return util.MarkPermanent(fmt.Errorf("encoding: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
