package quota

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// Session is the view of the state document handed to a WithLock callback.
// It must not be used after the callback returns.
type Session interface {
	// Load returns the whole state. A missing or malformed document is
	// reported as an empty state.
	Load() (State, error)
	// Save replaces the whole document with state.
	Save(state State) error
}

// Store guards the state document with an exclusive lock that spans one
// complete read-modify-write cycle, across goroutines and processes.
type Store interface {
	// WithLock acquires the lock, runs fn and releases the lock on every
	// return path. It gives up with ctx.Err() if the lock cannot be acquired
	// before ctx is done.
	WithLock(ctx context.Context, fn func(Session) error) error
}

const defaultLockRetryDelay = 10 * time.Millisecond

// FileStore keeps the state as a JSON file. Cross-process exclusion uses an
// advisory flock on a sidecar "<path>.lock" file, so the data file itself can
// be replaced atomically by rename on every save.
type FileStore struct {
	path       string
	lock       *flock.Flock
	sem        chan struct{}
	retryDelay time.Duration
	perm       os.FileMode
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithLockRetryDelay sets how often a blocked WithLock polls the file lock.
func WithLockRetryDelay(d time.Duration) FileStoreOption {
	return func(s *FileStore) { s.retryDelay = d }
}

// WithFileMode sets the permissions of the state file.
func WithFileMode(perm os.FileMode) FileStoreOption {
	return func(s *FileStore) { s.perm = perm }
}

// NewFileStore returns a store backed by the file at path. The parent
// directory is created if needed; the file itself is created on first access.
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("quota state path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &FileStore{
		path:       path,
		lock:       flock.New(path + ".lock"),
		sem:        make(chan struct{}, 1),
		retryDelay: defaultLockRetryDelay,
		perm:       0o644,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the location of the state file.
func (s *FileStore) Path() string { return s.path }

// WithLock implements Store.
func (s *FileStore) WithLock(ctx context.Context, fn func(Session) error) error {
	// flock is held per open file, so goroutines sharing this store are
	// serialized here before any of them touches the file lock.
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	locked, err := s.lock.TryLockContext(ctx, s.retryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s", s.lock.Path())
	}
	defer func() {
		_ = s.lock.Unlock() // Best effort; the kernel drops the lock with the fd anyway
	}()

	sess := &fileSession{store: s}
	if err := sess.ensure(); err != nil {
		return err
	}
	return fn(sess)
}

// Close releases the lock file descriptor.
func (s *FileStore) Close() error {
	return s.lock.Close()
}

type fileSession struct {
	store *FileStore
}

func (f *fileSession) ensure() error {
	if _, err := os.Stat(f.store.path); errors.Is(err, fs.ErrNotExist) {
		return f.Save(State{})
	} else if err != nil {
		return fmt.Errorf("failed to stat quota state: %w", err)
	}
	return nil
}

func (f *fileSession) Load() (State, error) {
	data, err := os.ReadFile(f.store.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quota state: %w", err)
	}
	return decodeState(data), nil
}

func (f *fileSession) Save(state State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(f.store.path, data, f.store.perm); err != nil {
		return fmt.Errorf("failed to write quota state: %w", err)
	}
	return nil
}
