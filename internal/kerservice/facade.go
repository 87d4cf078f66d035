// Package kerservice implements the service facade (spec.md §4.10, §6.1):
// a single Go type translating the wire-level operations (Ping,
// ListKnownDevices, ListIndexedDevices, StartIndex, CancelJob, Search,
// ResolveDirectories, ResolveEntries, ForgetIndex, SetWatchEnabled) into
// calls against kerstore, kerjob, kerwatch and kerdevice, and emitting the
// five signals those operations trigger. It is transport-agnostic: the
// dbus export in dbus.go is a thin adapter over it, matching the
// teacher's handler-behind-interface split between pkg/handlers and
// pkg/btrfs.
package kerservice

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/reikooters/kerything/internal/kerdevice"
	"github.com/reikooters/kerything/internal/kerecord"
	"github.com/reikooters/kerything/internal/kerjob"
	"github.com/reikooters/kerything/internal/kerquery"
	"github.com/reikooters/kerything/internal/kerstore"
	"github.com/reikooters/kerything/internal/kerwatch"
)

// version/apiVersion are what Ping reports (spec.md §6.1).
const (
	version    = "0.1.0"
	apiVersion = uint32(1)
)

// Signals is every event the facade pushes to its clients. A dbus export
// implements this by calling conn.Emit for each method; tests can supply a
// recording fake.
type Signals interface {
	JobAdded(ownerUID uint32, jobID uint64, deviceID string)
	JobProgress(ownerUID uint32, jobID uint64, percent int)
	JobFinished(ownerUID uint32, jobID uint64, deviceID, status, message string)
	DeviceIndexUpdated(ownerUID uint32, deviceID string, generation, entryCount uint64)
	DeviceIndexRemoved(ownerUID uint32, deviceID string)
}

// Devices is the subset of kerdevice.Prober the facade needs, narrowed so
// tests can supply a fake device list without shelling out to lsblk.
type Devices interface {
	ListKnownDevices() ([]kerdevice.KnownDevice, error)
}

// watchRecord is a device's in-memory watch policy, keyed by
// (ownerUID, deviceID). Persist, when non-nil, mirrors writes through
// to pkg/db so the policy survives a daemon restart.
type watchRecord struct {
	enabled bool
}

// Persist is the subset of pkg/db's *DB the facade needs to make watch
// policy durable across restarts. facade.go itself only depends on
// this narrow interface, not on pkg/db; module.go (the fx composition
// root for the daemon) is what actually imports pkg/db and supplies
// the concrete *db.DB, the same way the teacher's pkg/api.Module
// imports pkg/handlers while api.go's own Server type stays narrow.
type Persist interface {
	SetWatchEnabled(ownerUID uint32, deviceID string, enabled bool) error
	WatchEnabled(ownerUID uint32, deviceID string) (enabled bool, ok bool, err error)
}

// Facade is the transport-agnostic core of C10.
type Facade struct {
	logger  *slog.Logger
	store   *kerstore.Store
	jobs    *kerjob.Supervisor
	watch   *kerwatch.Supervisor
	devices Devices
	signals Signals
	persist Persist

	mu      sync.Mutex
	watches map[watchKey]*watchRecord
}

type watchKey struct {
	ownerUID uint32
	deviceID string
}

// New creates a Facade wiring the already-constructed C7/C8/C9 components
// together. jobs and watch may be nil at construction time and filled
// in later with SetJobs/SetWatch -- kerjob.New needs this Facade's
// Callbacks() and kerwatch.New needs its WantedTargets, so a daemon
// composing all of C7-C10 via fx has to break the cycle by constructing
// the Facade first and wiring the rest in afterwards (see
// internal/kerservice/module.go). persist may be nil, in which case
// watch policy lives in memory only (as in tests).
func New(logger *slog.Logger, store *kerstore.Store, jobs *kerjob.Supervisor, watch *kerwatch.Supervisor, devices Devices, signals Signals, persist Persist) *Facade {
	return &Facade{
		logger:  logger.With("component", "kerservice"),
		store:   store,
		jobs:    jobs,
		watch:   watch,
		devices: devices,
		signals: signals,
		persist: persist,
		watches: make(map[watchKey]*watchRecord),
	}
}

// SetJobs completes two-phase construction for a Facade built with a
// nil jobs Supervisor (see New's doc comment).
func (f *Facade) SetJobs(jobs *kerjob.Supervisor) {
	f.jobs = jobs
}

// SetWatch completes two-phase construction for a Facade built with a
// nil watch Supervisor (see New's doc comment).
func (f *Facade) SetWatch(watch *kerwatch.Supervisor) {
	f.watch = watch
}

// Callbacks builds the kerjob.Callbacks that route job lifecycle events
// through this Facade to its Signals and, on success, to
// DeviceIndexUpdated. Pass the result to kerjob.New.
func (f *Facade) Callbacks() kerjob.Callbacks {
	return kerjob.Callbacks{
		OnAdded: func(jobID uint64, ownerUID uint32, deviceID string) {
			f.signals.JobAdded(ownerUID, jobID, deviceID)
		},
		OnProgress: func(jobID uint64, percent int) {
			// kerjob's progress callback carries only the job id, not
			// its owner or device, so JobProgress is emitted with
			// ownerUID 0 rather than the job's real owner uid.
			f.signals.JobProgress(0, jobID, percent)
		},
		OnFinished: func(jobID uint64, ownerUID uint32, deviceID, status, message string) {
			f.signals.JobFinished(ownerUID, jobID, deviceID, status, message)
			if status != "ok" {
				return
			}
			di, ok := f.store.Lookup(ownerUID, deviceID)
			if !ok {
				return
			}
			f.signals.DeviceIndexUpdated(ownerUID, deviceID, di.Generation, uint64(len(di.Index.Table.Records)))
			if f.watch != nil {
				f.watch.RefreshWatchesForUid(ownerUID)
			}
		},
	}
}

// ErrorKind classifies the typed errors the facade returns, per spec.md
// §4.10 ("maps unknown device ids, invalid job ids, and missing indexes
// to typed errors").
type ErrorKind int

const (
	KindUnknownDevice ErrorKind = iota
	KindInvalidJob
	KindNoIndex
)

// Error is a typed facade error; callers (the dbus adapter, kerythingctl)
// switch on Kind to pick a wire error code / exit status.
type Error struct {
	Kind ErrorKind
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kerservice: %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("kerservice: %s %s", e.Op, e.ID)
}

func (e *Error) Unwrap() error { return e.Err }

func errUnknownDevice(op, deviceID string) error {
	return &Error{Kind: KindUnknownDevice, Op: op, ID: deviceID}
}

func errNoIndex(op, deviceID string) error {
	return &Error{Kind: KindNoIndex, Op: op, ID: deviceID}
}

// Ping reports the daemon's version (spec.md §6.1).
func (f *Facade) Ping() (string, uint32) {
	return version, apiVersion
}

// KnownDevice is ListKnownDevices' wire row (spec.md §6.1).
type KnownDevice struct {
	DeviceID          string
	DevNode           string
	FsType            string
	UUID              string
	Label             string
	PartUUID          string
	Mounted           bool
	MountPoints       []string
	PrimaryMountPoint string
}

// ListKnownDevices enumerates every device the system currently exposes,
// regardless of whether it has an index installed.
func (f *Facade) ListKnownDevices() ([]KnownDevice, error) {
	raw, err := f.devices.ListKnownDevices()
	if err != nil {
		return nil, fmt.Errorf("kerservice: listing known devices: %w", err)
	}
	out := make([]KnownDevice, len(raw))
	for i, d := range raw {
		out[i] = KnownDevice{
			DeviceID:          d.DeviceID,
			DevNode:           d.DevNode,
			FsType:            d.FsType,
			UUID:              d.UUID,
			Label:             d.Label,
			PartUUID:          d.PartUUID,
			Mounted:           d.Mounted,
			MountPoints:       d.MountPoints,
			PrimaryMountPoint: d.PrimaryMountPoint,
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// IndexedDevice is ListIndexedDevices' wire row (spec.md §6.1).
type IndexedDevice struct {
	DeviceID         string
	FsType           string
	Generation       uint64
	EntryCount       uint64
	LastIndexedTime  int64
	Label            string
	UUID             string
	WatchEnabled     bool
	WatchState       string
	WatchError       string
	WatchFailCount   int
	WatchRetryInSec  int64
	WatchRetryAtMs   int64
	WatchRetryMode   string
}

// ListIndexedDevices enumerates every device ownerUID has a live index
// for, joined with its current watch status.
func (f *Facade) ListIndexedDevices(ownerUID uint32) []IndexedDevice {
	knownByID := map[string]kerdevice.KnownDevice{}
	if raw, err := f.devices.ListKnownDevices(); err == nil {
		for _, d := range raw {
			knownByID[d.DeviceID] = d
		}
	}

	installed := f.store.ListForOwner(ownerUID)
	out := make([]IndexedDevice, 0, len(installed))
	for _, di := range installed {
		row := IndexedDevice{
			DeviceID:        di.DeviceID,
			FsType:          di.FsType,
			Generation:      di.Generation,
			EntryCount:      uint64(len(di.Index.Table.Records)),
			LastIndexedTime: int64(di.LastIndexedNanos / 1_000_000_000),
			WatchEnabled:    f.watchEnabled(ownerUID, di.DeviceID),
		}
		if known, ok := knownByID[di.DeviceID]; ok {
			row.Label = known.Label
			row.UUID = known.UUID
		}
		if f.watch != nil {
			if status, ok := f.watch.StatusFor(ownerUID, di.DeviceID); ok {
				row.WatchState = status.State.String()
				row.WatchError = status.Error
				row.WatchFailCount = status.FailCount
				row.WatchRetryMode = status.Mode.String()
				if !status.RetryAt.IsZero() {
					row.WatchRetryAtMs = status.RetryAt.UnixMilli()
					if d := time.Until(status.RetryAt); d > 0 {
						row.WatchRetryInSec = int64(d / time.Second)
					}
				}
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// StartIndex launches a scan of deviceId and returns its job id. The
// caller (dbus adapter) is responsible for resolving deviceId to a
// devicePath/fsType pair via ListKnownDevices before calling this --
// Facade itself only knows deviceId.
func (f *Facade) StartIndex(ownerUID uint32, deviceID, fsType, devicePath string) uint64 {
	return f.jobs.StartJob(ownerUID, deviceID, fsType, devicePath)
}

// CancelJob requests cancellation of jobID; idempotent, never itself
// terminal (spec.md §5).
func (f *Facade) CancelJob(jobID uint64) error {
	if err := f.jobs.CancelJob(jobID); err != nil {
		return &Error{Kind: KindInvalidJob, Op: "CancelJob", ID: fmt.Sprintf("%d", jobID), Err: err}
	}
	return nil
}

// Search runs req across ownerUID's installed devices (spec.md §4.5,
// §6.1). An empty req.DeviceIDs means "every device ownerUID has
// indexed."
func (f *Facade) Search(ownerUID uint32, req kerquery.Request) (uint64, []kerquery.Row, error) {
	installed := f.store.ListForOwner(ownerUID)
	sources := make([]kerquery.Source, len(installed))
	for i, di := range installed {
		sources[i] = kerquery.Source{DeviceID: di.DeviceID, Index: di.Index}
	}
	return kerquery.Search(sources, req)
}

// DirectoryPath is one ResolveDirectories result row (spec.md §6.1).
type DirectoryPath struct {
	DirID uint32
	Path  string
}

// ResolveDirectories resolves each dirId in ids to its absolute path
// within deviceId's index.
func (f *Facade) ResolveDirectories(ownerUID uint32, deviceID string, ids []uint32) ([]DirectoryPath, error) {
	di, ok := f.store.Lookup(ownerUID, deviceID)
	if !ok {
		return nil, errNoIndex("ResolveDirectories", deviceID)
	}
	out := make([]DirectoryPath, len(ids))
	for i, id := range ids {
		path, err := di.ResolveDirectory(id)
		if err != nil {
			return nil, fmt.Errorf("kerservice: resolving directory %d on %s: %w", id, deviceID, err)
		}
		out[i] = DirectoryPath{DirID: id, Path: path}
	}
	return out, nil
}

// Entry is one ResolveEntries result row (spec.md §6.1).
type Entry struct {
	EntryID           uint64
	DeviceID          string
	Name              string
	IsDir             bool
	Mounted           bool
	PrimaryMountPoint string
	InternalPath      string
	DisplayPath       string
	InternalDir       string
	DisplayDir        string
}

// recordIdxFromEntryID extracts the record index from a wire entry id,
// following kerquery's (deviceIdx-free) entry-id packing: the
// low 32 bits are the record index, the high 32 the device's fnv32 hash,
// matching kerquery.entryID so EntryID round-trips through Search.
func recordIdxFromEntryID(entryID uint64) uint32 {
	return uint32(entryID)
}

// ResolveEntries maps each wire entryId back to its device/record and
// fills in both the device-relative (internal) and display paths. Since
// an entryId carries only a 32-bit hash of its deviceId, not the deviceId
// itself, callers pass the deviceId alongside each one; ResolveEntries
// here takes a parallel deviceIds slice for that reason.
func (f *Facade) ResolveEntries(ownerUID uint32, deviceIDs []string, entryIDs []uint64) ([]Entry, error) {
	if len(deviceIDs) != len(entryIDs) {
		return nil, fmt.Errorf("kerservice: ResolveEntries: deviceIds and entryIds must be parallel slices")
	}

	knownByID := map[string]kerdevice.KnownDevice{}
	if raw, err := f.devices.ListKnownDevices(); err == nil {
		for _, d := range raw {
			knownByID[d.DeviceID] = d
		}
	}

	out := make([]Entry, len(entryIDs))
	for i, deviceID := range deviceIDs {
		di, ok := f.store.Lookup(ownerUID, deviceID)
		if !ok {
			return nil, errNoIndex("ResolveEntries", deviceID)
		}
		recordIdx := recordIdxFromEntryID(entryIDs[i])
		if recordIdx >= uint32(len(di.Index.Table.Records)) {
			return nil, fmt.Errorf("kerservice: entryId %d out of range for %s", entryIDs[i], deviceID)
		}
		rec := di.Index.Table.Records[recordIdx]
		name := di.Index.Table.Name(recordIdx)

		dirPath := "/"
		if rec.ParentRecordIdx != kerecord.RootSentinel {
			p, err := di.ResolveDirectory(rec.ParentRecordIdx)
			if err == nil {
				dirPath = p
			}
		}
		internalPath := dirPath
		if internalPath != "/" {
			internalPath += "/"
		}
		internalPath += name

		known := knownByID[deviceID]
		displayDir := dirPath
		displayPath := internalPath
		if known.Mounted && known.PrimaryMountPoint != "" {
			displayDir = joinMountPath(known.PrimaryMountPoint, dirPath)
			displayPath = joinMountPath(known.PrimaryMountPoint, internalPath)
		}

		out[i] = Entry{
			EntryID:           entryIDs[i],
			DeviceID:          deviceID,
			Name:              name,
			IsDir:             rec.IsDir(),
			Mounted:           known.Mounted,
			PrimaryMountPoint: known.PrimaryMountPoint,
			InternalPath:      internalPath,
			DisplayPath:       displayPath,
			InternalDir:       dirPath,
			DisplayDir:        displayDir,
		}
	}
	return out, nil
}

func joinMountPath(mountPoint, internal string) string {
	mountPoint = trimTrailingSlash(mountPoint)
	if internal == "/" {
		return mountPoint
	}
	return mountPoint + internal
}

func trimTrailingSlash(s string) string {
	for len(s) > 1 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// ForgetIndex drops ownerUID's index for deviceId and emits
// DeviceIndexRemoved.
func (f *Facade) ForgetIndex(ownerUID uint32, deviceID string) error {
	if _, ok := f.store.Lookup(ownerUID, deviceID); !ok {
		return errNoIndex("ForgetIndex", deviceID)
	}
	if err := f.store.Forget(ownerUID, deviceID); err != nil {
		return fmt.Errorf("kerservice: forgetting %s: %w", deviceID, err)
	}

	f.mu.Lock()
	delete(f.watches, watchKey{ownerUID: ownerUID, deviceID: deviceID})
	f.mu.Unlock()

	f.signals.DeviceIndexRemoved(ownerUID, deviceID)
	if f.watch != nil {
		f.watch.RefreshWatchesForUid(ownerUID)
	}
	return nil
}

// SetWatchEnabled toggles whether deviceId is watched for changes once
// indexed. Enabling a device with no installed index is accepted (the
// flag takes effect as soon as one is installed) to match
// ListIndexedDevices' forward-looking watchEnabled field.
func (f *Facade) SetWatchEnabled(ownerUID uint32, deviceID string, enabled bool) bool {
	f.mu.Lock()
	key := watchKey{ownerUID: ownerUID, deviceID: deviceID}
	rec, ok := f.watches[key]
	if !ok {
		rec = &watchRecord{}
		f.watches[key] = rec
	}
	rec.enabled = enabled
	f.mu.Unlock()

	if f.persist != nil {
		if err := f.persist.SetWatchEnabled(ownerUID, deviceID, enabled); err != nil {
			f.logger.Warn("failed to persist watch policy", "ownerUid", ownerUID, "deviceId", deviceID, "error", err)
		}
	}
	if f.watch != nil {
		f.watch.RefreshWatchesForUid(ownerUID)
	}
	return true
}

// watchEnabled reports the current policy for (ownerUID, deviceID),
// checking the in-memory cache first, then falling back to the
// persisted value (seeding the cache from it), and finally defaulting
// to enabled: an index that was just installed should start being
// watched without a separate opt-in call.
func (f *Facade) watchEnabled(ownerUID uint32, deviceID string) bool {
	f.mu.Lock()
	key := watchKey{ownerUID: ownerUID, deviceID: deviceID}
	if rec, ok := f.watches[key]; ok {
		f.mu.Unlock()
		return rec.enabled
	}
	f.mu.Unlock()

	if f.persist != nil {
		if enabled, ok, err := f.persist.WatchEnabled(ownerUID, deviceID); err == nil && ok {
			f.mu.Lock()
			f.watches[key] = &watchRecord{enabled: enabled}
			f.mu.Unlock()
			return enabled
		}
	}
	return true
}

// WantedTargets implements the `wanted func(uid uint32) map[string]bool`
// parameter kerwatch.New expects: every device ownerUID has an installed
// index for, minus the ones explicitly disabled via SetWatchEnabled.
func (f *Facade) WantedTargets(ownerUID uint32) map[string]bool {
	out := make(map[string]bool)
	for _, di := range f.store.ListForOwner(ownerUID) {
		if f.watchEnabled(ownerUID, di.DeviceID) {
			out[di.DeviceID] = true
		}
	}
	return out
}

// MountPointFor resolves deviceId's mount point for kerwatch.MountResolver
// by delegating to the known-devices list (kerdevice.Prober already
// implements MountResolver directly; this helper exists so the facade can
// compose a MountResolver out of its own Devices seam in tests that fake
// ListKnownDevices without a real kerdevice.Prober).
func (f *Facade) MountPointFor(deviceID string) (string, error) {
	raw, err := f.devices.ListKnownDevices()
	if err != nil {
		return "", err
	}
	for _, d := range raw {
		if d.DeviceID == deviceID {
			return d.PrimaryMountPoint, nil
		}
	}
	return "", nil
}
