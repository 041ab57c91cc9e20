// Package checkpoint persists the last oplog optime the replayer has
// durably applied, so a restart can resume tailing instead of re-copying.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodestorage/mongosync/internal/oplogtypes"
)

// Store is anything that can persist and recall a replication checkpoint.
// FileStore is the authoritative implementation; RedisMirrorStore wraps it
// to additionally publish to Redis for remote readers.
type Store interface {
	Read() (oplogtypes.OpTime, bool, error)
	Write(ts oplogtypes.OpTime) error
}

// FileStore persists an OpTime as an 8-byte little-endian
// (seconds uint32, counter uint32) record, matching the on-disk layout the
// original checkpoint file used so existing logfiles remain readable.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore writing to path. The directory must
// already exist; the file itself is created on first Write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Read returns the stored optime and true, or the zero optime and false if
// no checkpoint has ever been written or the file is corrupt (wrong size).
func (f *FileStore) Read() (oplogtypes.OpTime, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return oplogtypes.OpTime{}, false, nil
		}
		return oplogtypes.OpTime{}, false, fmt.Errorf("checkpoint: read %s: %w", f.path, err)
	}
	if len(data) != 8 {
		return oplogtypes.OpTime{}, false, nil
	}
	return oplogtypes.OpTime{
		Seconds: binary.LittleEndian.Uint32(data[0:4]),
		Counter: binary.LittleEndian.Uint32(data[4:8]),
	}, true, nil
}

// Write durably overwrites the checkpoint file with ts. It writes to a
// temp file in the same directory and renames over the target so a crash
// mid-write never leaves a truncated, unreadable checkpoint behind.
func (f *FileStore) Write(ts oplogtypes.OpTime) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], ts.Seconds)
	binary.LittleEndian.PutUint32(buf[4:8], ts.Counter)

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: rename temp file: %w", err)
	}
	return nil
}

// Path returns the checkpoint file's location.
func (f *FileStore) Path() string { return f.path }
