package kerstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/reikooters/kerything/internal/kerecord"
)

// SnapshotStore persists installed device indexes in a single shared
// pebble database, adapted from the teacher's PebbleStore
// (pkg/btdu/pebble_store.go): same "one pebble.DB, prefix-scoped keys"
// shape, but keyed by (ownerUid, deviceId) instead of a hashed filesystem
// path -- kerything's deviceId is already a short, stable string
// ("partuuid:<uuid>", spec.md §6.3), so no hash-compression step is
// needed before using it as a key component.
type SnapshotStore struct {
	db *pebble.DB
	mu sync.Mutex
}

// NewSnapshotStore opens (or creates) the pebble database under baseDir.
func NewSnapshotStore(baseDir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("kerstore: creating snapshot directory: %w", err)
	}

	opts := &pebble.Options{
		Logger: &silentLogger{},
	}
	db, err := pebble.Open(filepath.Join(baseDir, "kerything.db"), opts)
	if err != nil {
		return nil, fmt.Errorf("kerstore: opening pebble: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Close closes the underlying pebble database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

type silentLogger struct{}

func (l *silentLogger) Infof(format string, args ...interface{})  {}
func (l *silentLogger) Errorf(format string, args ...interface{}) {}
func (l *silentLogger) Fatalf(format string, args ...interface{}) {}

func snapshotKey(ownerUID uint32, deviceID string) []byte {
	return []byte(fmt.Sprintf("idx:%d:%s", ownerUID, deviceID))
}

func snapshotPrefix(ownerUID uint32) []byte {
	return []byte(fmt.Sprintf("idx:%d:", ownerUID))
}

type snapshot struct {
	fsType         string
	generation     uint64
	indexedAtNanos uint64
	table          kerecord.Table
}

// Put encodes (fsType, generation, indexedAtNanos, table) into one pebble
// value and writes it under the (ownerUID, deviceID) key, replacing any
// prior snapshot for that key.
func (s *SnapshotStore) Put(ownerUID uint32, deviceID, fsType string, generation, indexedAtNanos uint64, tbl kerecord.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	var hdr [8]byte

	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(fsType)))
	buf.Write(hdr[:4])
	buf.WriteString(fsType)

	binary.LittleEndian.PutUint64(hdr[:], generation)
	buf.Write(hdr[:])
	binary.LittleEndian.PutUint64(hdr[:], indexedAtNanos)
	buf.Write(hdr[:])

	if err := kerecord.EncodeTable(&buf, tbl.Records, tbl.Pool); err != nil {
		return fmt.Errorf("kerstore: encoding snapshot table: %w", err)
	}

	return s.db.Set(snapshotKey(ownerUID, deviceID), buf.Bytes(), pebble.Sync)
}

// Get decodes the snapshot stored for (ownerUID, deviceID), if any.
func (s *SnapshotStore) Get(ownerUID uint32, deviceID string) (snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, closer, err := s.db.Get(snapshotKey(ownerUID, deviceID))
	if err == pebble.ErrNotFound {
		return snapshot{}, false, nil
	}
	if err != nil {
		return snapshot{}, false, fmt.Errorf("kerstore: reading snapshot: %w", err)
	}
	defer closer.Close()

	buf := bytes.NewReader(value)
	var hdr [8]byte

	if _, err := io.ReadFull(buf, hdr[:4]); err != nil {
		return snapshot{}, false, fmt.Errorf("kerstore: short snapshot header: %w", err)
	}
	fsTypeLen := binary.LittleEndian.Uint32(hdr[:4])
	fsTypeBuf := make([]byte, fsTypeLen)
	if _, err := io.ReadFull(buf, fsTypeBuf); err != nil {
		return snapshot{}, false, fmt.Errorf("kerstore: short fsType: %w", err)
	}

	if _, err := io.ReadFull(buf, hdr[:]); err != nil {
		return snapshot{}, false, fmt.Errorf("kerstore: short generation: %w", err)
	}
	generation := binary.LittleEndian.Uint64(hdr[:])

	if _, err := io.ReadFull(buf, hdr[:]); err != nil {
		return snapshot{}, false, fmt.Errorf("kerstore: short indexedAt: %w", err)
	}
	indexedAtNanos := binary.LittleEndian.Uint64(hdr[:])

	tbl, err := kerecord.DecodeTable(buf, kerecord.DefaultLimits)
	if err != nil {
		return snapshot{}, false, fmt.Errorf("kerstore: decoding snapshot table: %w", err)
	}

	return snapshot{
		fsType:         string(fsTypeBuf),
		generation:     generation,
		indexedAtNanos: indexedAtNanos,
		table:          tbl,
	}, true, nil
}

// Delete removes the snapshot for (ownerUID, deviceID), if any.
func (s *SnapshotStore) Delete(ownerUID uint32, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(snapshotKey(ownerUID, deviceID), pebble.Sync)
}

// ListDeviceIDs returns every deviceId with a persisted snapshot for
// ownerUID.
func (s *SnapshotStore) ListDeviceIDs(ownerUID uint32) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := snapshotPrefix(ownerUID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		ids = append(ids, strings.TrimPrefix(string(key), string(prefix)))
	}
	return ids, nil
}
