package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

type SegmentHash struct {
	Filename string
	Sha256   string
}

// SegmentManifest is an immutable snapshot of the segment hashes, in the
// order the segments were produced.
type SegmentManifest struct {
	entries []SegmentHash
}

func (m *SegmentManifest) Entries() []SegmentHash {
	return append([]SegmentHash(nil), m.entries...)
}

func (m *SegmentManifest) Lookup(filename string) (string, bool) {
	for _, e := range m.entries {
		if e.Filename == filename {
			return e.Sha256, true
		}
	}
	return "", false
}

// MarshalJSON encodes the manifest as one object keyed by filename,
// preserving segment order.
func (m *SegmentManifest) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Filename)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(`"` + e.Sha256 + `"`)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SegmentShaStore tracks the sha256 of every advertised segment of a live
// session. Each change publishes a complete new snapshot, both in memory and
// on disk, so readers never observe a half-built manifest.
type SegmentShaStore struct {
	path string

	mu       sync.Mutex
	entries  []SegmentHash
	snapshot atomic.Pointer[SegmentManifest]
}

func NewSegmentShaStore(path string) *SegmentShaStore {
	s := &SegmentShaStore{path: path}
	s.snapshot.Store(&SegmentManifest{})
	return s
}

func (s *SegmentShaStore) Path() string {
	return s.path
}

// Add hashes content, appends it under filename and publishes the new
// snapshot before returning the hex digest.
func (s *SegmentShaStore) Add(filename string, content []byte) (string, error) {
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]SegmentHash, 0, len(s.entries)+1)
	for _, e := range s.entries {
		if e.Filename != filename {
			entries = append(entries, e)
		}
	}
	entries = append(entries, SegmentHash{Filename: filename, Sha256: digest})
	if err := s.publish(entries); err != nil {
		return "", err
	}
	return digest, nil
}

// Remove drops filenames that rotated out of the playlist window.
func (s *SegmentShaStore) Remove(filenames ...string) error {
	if len(filenames) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(filenames))
	for _, f := range filenames {
		drop[f] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]SegmentHash, 0, len(s.entries))
	for _, e := range s.entries {
		if _, ok := drop[e.Filename]; !ok {
			entries = append(entries, e)
		}
	}
	return s.publish(entries)
}

func (s *SegmentShaStore) Snapshot() *SegmentManifest {
	return s.snapshot.Load()
}

// publish must be called with mu held.
func (s *SegmentShaStore) publish(entries []SegmentHash) error {
	manifest := &SegmentManifest{entries: entries}
	if s.path != "" {
		content, err := manifest.MarshalJSON()
		if err != nil {
			return err
		}
		if err := writeFileAtomic(s.path, content); err != nil {
			return err
		}
	}
	s.entries = entries
	s.snapshot.Store(manifest)
	return nil
}

// writeFileAtomic replaces path with content through a rename, so readers
// see either the old or the new file.
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
