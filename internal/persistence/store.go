// Package persistence durably stores the engine's StateSnapshot for warm
// restart: one whole-engine snapshot file per save, with a content checksum
// and retention pruning across successive snapshots.
package persistence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tradecore/engine/pkg/types"
)

// ErrNoValidSnapshot is returned by Restore when snapshot files exist on
// disk but none passes checksum verification — state corruption with no
// fallback, which the application shell treats as a refuse-to-start
// condition rather than a cold start.
var ErrNoValidSnapshot = errors.New("persistence: snapshots exist but none is valid")

// Store persists StateSnapshots to numbered files in a directory, using
// atomic write-temp-then-rename per file, and prunes to at most
// maxSnapshots retained files.
type Store struct {
	mu           sync.Mutex
	dir          string
	maxSnapshots int
}

// Open creates a store backed by dir, creating it if necessary.
// maxSnapshots <= 0 means unlimited retention.
func Open(dir string, maxSnapshots int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir, maxSnapshots: maxSnapshots}, nil
}

func (s *Store) fileName(seq uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("snapshot-%020d.json", seq))
}

// Save computes the snapshot's checksum, writes it atomically (temp file +
// rename), and prunes old snapshots beyond the retention limit.
func (s *Store) Save(snap types.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.ChecksumHex = ""
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(body)
	snap.ChecksumHex = hex.EncodeToString(sum[:])

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checksummed snapshot: %w", err)
	}

	path := s.fileName(snap.SequenceNum)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	return s.pruneLocked()
}

func (s *Store) pruneLocked() error {
	if s.maxSnapshots <= 0 {
		return nil
	}
	files, err := s.listSnapshotFilesLocked()
	if err != nil {
		return err
	}
	if len(files) <= s.maxSnapshots {
		return nil
	}
	for _, f := range files[:len(files)-s.maxSnapshots] {
		if err := os.Remove(filepath.Join(s.dir, f)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune snapshot %s: %w", f, err)
		}
	}
	return nil
}

func (s *Store) listSnapshotFilesLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshot dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && filepath.Ext(name) == ".json" {
			files = append(files, name)
		}
	}
	sort.Strings(files) // zero-padded sequence numbers sort lexicographically in order
	return files, nil
}

// verify recomputes the checksum of a loaded snapshot and reports whether
// it matches the stored ChecksumHex.
func verify(snap types.StateSnapshot) bool {
	want := snap.ChecksumHex
	snap.ChecksumHex = ""
	body, err := json.Marshal(snap)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]) == want
}

// load reads and JSON-decodes one snapshot file, without checksum
// verification.
func load(path string) (types.StateSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.StateSnapshot{}, err
	}
	var snap types.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.StateSnapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Restore loads the newest snapshot whose checksum is valid: on checksum
// mismatch, fall back to the next most recent snapshot rather than failing
// restart outright. Returns ok=false with a nil error on a fresh directory
// (cold start), and ErrNoValidSnapshot when files exist but every one fails
// verification.
func (s *Store) Restore() (snap types.StateSnapshot, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.listSnapshotFilesLocked()
	if err != nil {
		return types.StateSnapshot{}, false, err
	}
	if len(files) == 0 {
		return types.StateSnapshot{}, false, nil
	}

	for i := len(files) - 1; i >= 0; i-- {
		candidate, loadErr := load(filepath.Join(s.dir, files[i]))
		if loadErr != nil {
			continue // corrupt file on disk; try the next-oldest
		}
		if verify(candidate) {
			return candidate, true, nil
		}
	}
	return types.StateSnapshot{}, false, ErrNoValidSnapshot
}
