package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// fileDocument is the on-disk layout; one file can hold the credentials of
// several servers or accounts side by side.
type fileDocument struct {
	Entries map[string][]byte `json:"entries"`
}

// FileBackend persists values in a single JSON file. Writes take a lock file
// so concurrent processes sharing the file do not lose each other's entries.
type FileBackend struct {
	path     string
	readFile func(string) ([]byte, error)
}

// errCorruptFile marks a credential file that exists but is not a valid
// document.
var errCorruptFile = errors.New("corrupt credential file")

// NewFileBackend returns a backend writing to path. The file and its parent
// directory are created on first write.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, readFile: os.ReadFile}
}

// Path returns the backing file location.
func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	doc, err := f.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	v, ok := doc.Entries[key]
	return v, ok, nil
}

func (f *FileBackend) Set(ctx context.Context, key string, value []byte) error {
	return f.update(ctx, func(doc *fileDocument) bool {
		doc.Entries[key] = value
		return true
	})
}

func (f *FileBackend) Remove(ctx context.Context, key string) error {
	return f.update(ctx, func(doc *fileDocument) bool {
		if _, ok := doc.Entries[key]; !ok {
			return false
		}
		delete(doc.Entries, key)
		return true
	})
}

func (f *FileBackend) read() (*fileDocument, error) {
	data, err := f.readFile(f.path)
	if err != nil {
		return nil, err
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptFile, err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string][]byte)
	}
	return &doc, nil
}

// update runs mutate on the current document under the file lock and writes
// the result back when mutate reports a change.
func (f *FileBackend) update(ctx context.Context, mutate func(*fileDocument) bool) error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create credential directory: %w", err)
		}
	}

	lock, err := acquireFileLock(ctx, f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.release()

	doc, err := f.read()
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist), errors.Is(err, errCorruptFile):
		// A missing or corrupt file is replaced rather than blocking sign-in.
		doc = &fileDocument{Entries: make(map[string][]byte)}
	default:
		// Anything else may be transient; writing now would drop other entries.
		return fmt.Errorf("failed to read credential file: %w", err)
	}
	if !mutate(doc) {
		return nil
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
