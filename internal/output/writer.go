package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileWriter persists snapshots as indented JSON. Each write replaces the
// file atomically so readers never observe a partial snapshot.
type FileWriter struct {
	path string
	mu   sync.Mutex
}

// NewFileWriter creates a writer for path.
func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

// Path returns the destination file.
func (w *FileWriter) Path() string {
	return w.path
}

// Write replaces the destination with snapshot.
func (w *FileWriter) Write(snapshot *Snapshot) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %w", dir, err)
	}

	file, err := os.CreateTemp(dir, filepath.Base(w.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmp := file.Name()
	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(tmp)
		}
	}()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err = encoder.Encode(snapshot); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err = os.Chmod(tmp, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, w.path, err)
	}
	return nil
}

// Read loads a snapshot written by Write.
func Read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &s, nil
}
