// Package kerstore holds the daemon's live per-(owner, device) index map
// (spec.md §4.6): install/replace with generation bumps, forget, lookup,
// per-owner enumeration, and the directory-path cache built over each
// index's parentRecordIdx chain. A pebble-backed SnapshotStore (adapted
// from the teacher's pkg/btdu/pebble_store.go) persists installed indexes
// so a daemon restart doesn't require a full rescan of every device.
package kerstore

import (
	"fmt"
	"sync"

	"github.com/reikooters/kerything/internal/kerecord"
	"github.com/reikooters/kerything/internal/kerindex"
)

// deviceKey identifies one owner's view of one device -- indexes are never
// shared across uids, matching spec.md's per-(ownerUid, deviceId) map.
type deviceKey struct {
	ownerUID uint32
	deviceID string
}

// DeviceIndex is one installed, queryable device index plus the metadata
// ListIndexedDevices (spec.md §6.1) reports about it.
type DeviceIndex struct {
	DeviceID         string
	FsType           string
	Generation       uint64
	LastIndexedNanos uint64
	Index            *kerindex.Index

	mu           sync.Mutex
	dirPathCache map[uint32]string
}

// maxDirHops bounds the parentRecordIdx walk ResolveDirectory performs,
// per spec.md §4.6's safety bound.
const maxDirHops = 4096

// ResolveDirectory walks dirId's parentRecordIdx chain toward the root,
// concatenating names and skipping "."/".."/empty names and self-loops,
// memoizing the result. The cache is private to this *DeviceIndex and is
// discarded whenever Install replaces it with a fresh one.
func (d *DeviceIndex) ResolveDirectory(dirID uint32) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dirPathCache == nil {
		d.dirPathCache = make(map[uint32]string)
	}
	if path, ok := d.dirPathCache[dirID]; ok {
		return path, nil
	}

	var parts []string
	cur := dirID
	visited := make(map[uint32]bool)
	hops := 0
	for cur != kerecord.RootSentinel {
		if hops >= maxDirHops {
			return "", fmt.Errorf("kerstore: directory chain for %d exceeds %d hops", dirID, maxDirHops)
		}
		if visited[cur] {
			return "", fmt.Errorf("kerstore: directory chain for %d contains a cycle at %d", dirID, cur)
		}
		visited[cur] = true
		hops++

		if cur >= uint32(len(d.Index.Table.Records)) {
			return "", fmt.Errorf("kerstore: directory %d references out-of-range record %d", dirID, cur)
		}
		rec := d.Index.Table.Records[cur]
		if rec.ParentRecordIdx == kerecord.RootSentinel {
			// cur is the root entry itself: its own decoded name (".",
			// "/", whatever the scanner used as a placeholder) is not a
			// path component.
			break
		}
		name := d.Index.Table.Name(cur)
		if name != "" && name != "." && name != ".." {
			parts = append(parts, name)
		}
		cur = rec.ParentRecordIdx
	}

	path := "/"
	for i := len(parts) - 1; i >= 0; i-- {
		if path != "/" {
			path += "/"
		}
		path += parts[i]
	}

	d.dirPathCache[dirID] = path
	return path, nil
}

// Store is the in-memory (ownerUid, deviceId) -> DeviceIndex map, with an
// optional persisted backing store for surviving a daemon restart.
type Store struct {
	mu        sync.RWMutex
	devices   map[deviceKey]*DeviceIndex
	snapshots *SnapshotStore // nil in tests that don't need persistence
}

// NewStore creates an empty in-memory Store, optionally backed by a
// SnapshotStore for persistence across restarts.
func NewStore(snapshots *SnapshotStore) *Store {
	return &Store{devices: make(map[deviceKey]*DeviceIndex), snapshots: snapshots}
}

// Install builds a fresh index over tbl and installs it as the new index
// for (ownerUID, deviceID), bumping the generation counter. A prior index
// for the same key (and its directory-path cache) is discarded.
func (s *Store) Install(ownerUID uint32, deviceID, fsType string, tbl kerecord.Table, indexedAtNanos uint64) (*DeviceIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceKey{ownerUID: ownerUID, deviceID: deviceID}
	generation := uint64(1)
	if existing, ok := s.devices[key]; ok {
		generation = existing.Generation + 1
	}

	di := &DeviceIndex{
		DeviceID:         deviceID,
		FsType:           fsType,
		Generation:       generation,
		LastIndexedNanos: indexedAtNanos,
		Index:            kerindex.Build(tbl),
	}
	s.devices[key] = di

	if s.snapshots != nil {
		if err := s.snapshots.Put(ownerUID, deviceID, fsType, generation, indexedAtNanos, tbl); err != nil {
			return nil, fmt.Errorf("kerstore: persisting snapshot for %s: %w", deviceID, err)
		}
	}
	return di, nil
}

// Forget drops the index for (ownerUID, deviceID) and deletes any
// persisted snapshot.
func (s *Store) Forget(ownerUID uint32, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.devices, deviceKey{ownerUID: ownerUID, deviceID: deviceID})
	if s.snapshots != nil {
		return s.snapshots.Delete(ownerUID, deviceID)
	}
	return nil
}

// Lookup returns the installed index for (ownerUID, deviceID), if any.
func (s *Store) Lookup(ownerUID uint32, deviceID string) (*DeviceIndex, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	di, ok := s.devices[deviceKey{ownerUID: ownerUID, deviceID: deviceID}]
	return di, ok
}

// ListForOwner returns every index installed for ownerUID.
func (s *Store) ListForOwner(ownerUID uint32) []*DeviceIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DeviceIndex
	for key, di := range s.devices {
		if key.ownerUID == ownerUID {
			out = append(out, di)
		}
	}
	return out
}

// LoadPersisted lazily loads every snapshot persisted for ownerUID that
// isn't already installed in memory -- the "lazy-load-per-uid" semantics
// spec.md implies by scoping indexes to their owner: a freshly-connected
// client shouldn't pay the decode cost for every other user's devices.
func (s *Store) LoadPersisted(ownerUID uint32) error {
	if s.snapshots == nil {
		return nil
	}

	deviceIDs, err := s.snapshots.ListDeviceIDs(ownerUID)
	if err != nil {
		return fmt.Errorf("kerstore: listing persisted snapshots for uid %d: %w", ownerUID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, deviceID := range deviceIDs {
		key := deviceKey{ownerUID: ownerUID, deviceID: deviceID}
		if _, ok := s.devices[key]; ok {
			continue
		}
		snap, ok, err := s.snapshots.Get(ownerUID, deviceID)
		if err != nil {
			return fmt.Errorf("kerstore: loading snapshot for %s: %w", deviceID, err)
		}
		if !ok {
			continue
		}
		s.devices[key] = &DeviceIndex{
			DeviceID:         deviceID,
			FsType:           snap.fsType,
			Generation:       snap.generation,
			LastIndexedNanos: snap.indexedAtNanos,
			Index:            kerindex.Build(snap.table),
		}
	}
	return nil
}
