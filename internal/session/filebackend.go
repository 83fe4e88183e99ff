package session

import (
	"os"
	"path/filepath"
	"strings"
)

// FileBackend persists store entries as individual JSON files under a base
// directory, one file per key. It is the default durable layer when no
// Postgres DSN is configured.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a file backend rooted at dir. The directory is
// created lazily on first save.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

// Save writes the raw value to the key's file.
func (b *FileBackend) Save(key string, value []byte) error {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(b.path(key), value, 0o600)
}

// Load reads the key's file; a missing file is not an error.
func (b *FileBackend) Load(key string) ([]byte, bool, error) {
	raw, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Remove deletes the key's file; a missing file is not an error.
func (b *FileBackend) Remove(key string) error {
	err := os.Remove(b.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// path maps a store key to a filename. Keys contain dots and flow tokens;
// anything outside a conservative set is replaced so the name stays portable.
func (b *FileBackend) path(key string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(b.dir, sanitized+".json")
}
