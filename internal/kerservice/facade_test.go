package kerservice

import (
	"io"
	"log/slog"
	"testing"

	"github.com/reikooters/kerything/internal/kerdevice"
	"github.com/reikooters/kerything/internal/kerecord"
	"github.com/reikooters/kerything/internal/kerjob"
	"github.com/reikooters/kerything/internal/kerstore"
)

type fakeDevices struct {
	devices []kerdevice.KnownDevice
	err     error
}

func (f *fakeDevices) ListKnownDevices() ([]kerdevice.KnownDevice, error) {
	return f.devices, f.err
}

type jobAddedEvent struct {
	ownerUID uint32
	jobID    uint64
	deviceID string
}

type jobFinishedEvent struct {
	ownerUID                   uint32
	jobID                      uint64
	deviceID, status, message string
}

type deviceUpdatedEvent struct {
	ownerUID              uint32
	deviceID              string
	generation, entryCount uint64
}

type fakeSignals struct {
	added    []jobAddedEvent
	finished []jobFinishedEvent
	updated  []deviceUpdatedEvent
	removed  []string
}

func (f *fakeSignals) JobAdded(ownerUID uint32, jobID uint64, deviceID string) {
	f.added = append(f.added, jobAddedEvent{ownerUID, jobID, deviceID})
}
func (f *fakeSignals) JobProgress(ownerUID uint32, jobID uint64, percent int) {}
func (f *fakeSignals) JobFinished(ownerUID uint32, jobID uint64, deviceID, status, message string) {
	f.finished = append(f.finished, jobFinishedEvent{ownerUID, jobID, deviceID, status, message})
}
func (f *fakeSignals) DeviceIndexUpdated(ownerUID uint32, deviceID string, generation, entryCount uint64) {
	f.updated = append(f.updated, deviceUpdatedEvent{ownerUID, deviceID, generation, entryCount})
}
func (f *fakeSignals) DeviceIndexRemoved(ownerUID uint32, deviceID string) {
	f.removed = append(f.removed, deviceID)
}

func buildTable(t *testing.T, names []string, parents []uint32, sizes []uint64) kerecord.Table {
	t.Helper()
	b := kerecord.NewBuilder(64)
	records := make([]kerecord.Record, len(names))
	for i, name := range names {
		off, length := b.Append(name)
		isDir := parents[i] == kerecord.RootSentinel
		records[i] = kerecord.NewRecord(parents[i], sizes[i], 0, off, length, isDir, false)
	}
	return kerecord.Table{Records: records, Pool: b.Pool()}
}

func newTestFacade(t *testing.T, devices *fakeDevices, signals *fakeSignals) (*Facade, *kerstore.Store) {
	t.Helper()
	store := kerstore.NewStore(nil)
	jobs := kerjob.New("unused", store, kerjob.Callbacks{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New(logger, store, jobs, nil, devices, signals, nil)
	return f, store
}

func TestPingReturnsVersion(t *testing.T) {
	f, _ := newTestFacade(t, &fakeDevices{}, &fakeSignals{})
	v, apiV := f.Ping()
	if v == "" || apiV == 0 {
		t.Fatalf("Ping() = %q, %d; want non-empty version and non-zero apiVersion", v, apiV)
	}
}

func TestListKnownDevicesSortsByDeviceID(t *testing.T) {
	devices := &fakeDevices{devices: []kerdevice.KnownDevice{
		{DeviceID: "partuuid:zzz"},
		{DeviceID: "partuuid:aaa"},
	}}
	f, _ := newTestFacade(t, devices, &fakeSignals{})

	got, err := f.ListKnownDevices()
	if err != nil {
		t.Fatalf("ListKnownDevices: %v", err)
	}
	if len(got) != 2 || got[0].DeviceID != "partuuid:aaa" || got[1].DeviceID != "partuuid:zzz" {
		t.Fatalf("ListKnownDevices() = %+v, want sorted by deviceId", got)
	}
}

func TestListIndexedDevicesDefaultsWatchEnabledTrue(t *testing.T) {
	f, store := newTestFacade(t, &fakeDevices{}, &fakeSignals{})
	tbl := buildTable(t, []string{"/"}, []uint32{kerecord.RootSentinel}, []uint64{0})
	if _, err := store.Install(1000, "partuuid:aaa", "ext4", tbl, 1); err != nil {
		t.Fatalf("Install: %v", err)
	}

	rows := f.ListIndexedDevices(1000)
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if !rows[0].WatchEnabled {
		t.Fatal("expected a freshly-installed device to default to watchEnabled=true")
	}

	f.SetWatchEnabled(1000, "partuuid:aaa", false)
	rows = f.ListIndexedDevices(1000)
	if rows[0].WatchEnabled {
		t.Fatal("expected watchEnabled=false after SetWatchEnabled(false)")
	}
}

func TestResolveDirectoriesUnknownDeviceReturnsTypedError(t *testing.T) {
	f, _ := newTestFacade(t, &fakeDevices{}, &fakeSignals{})
	_, err := f.ResolveDirectories(1000, "partuuid:missing", []uint32{0})
	var svcErr *Error
	if err == nil {
		t.Fatal("expected an error for an unindexed device")
	}
	if !asServiceError(err, &svcErr) || svcErr.Kind != KindNoIndex {
		t.Fatalf("err = %v, want a KindNoIndex *Error", err)
	}
}

func asServiceError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}

func TestResolveEntriesJoinsMountPaths(t *testing.T) {
	devices := &fakeDevices{devices: []kerdevice.KnownDevice{
		{DeviceID: "partuuid:aaa", Mounted: true, PrimaryMountPoint: "/mnt/data"},
	}}
	f, store := newTestFacade(t, devices, &fakeSignals{})

	tbl := buildTable(t,
		[]string{"/", "docs", "report.txt"},
		[]uint32{kerecord.RootSentinel, 0, 1},
		[]uint64{0, 0, 4096},
	)
	if _, err := store.Install(1000, "partuuid:aaa", "ext4", tbl, 1); err != nil {
		t.Fatalf("Install: %v", err)
	}

	entries, err := f.ResolveEntries(1000, []string{"partuuid:aaa"}, []uint64{2})
	if err != nil {
		t.Fatalf("ResolveEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.Name != "report.txt" {
		t.Fatalf("Name = %q, want report.txt", got.Name)
	}
	if got.InternalPath != "/docs/report.txt" {
		t.Fatalf("InternalPath = %q, want /docs/report.txt", got.InternalPath)
	}
	if got.DisplayPath != "/mnt/data/docs/report.txt" {
		t.Fatalf("DisplayPath = %q, want /mnt/data/docs/report.txt", got.DisplayPath)
	}
}

func TestForgetIndexEmitsSignalAndRemovesFromStore(t *testing.T) {
	signals := &fakeSignals{}
	f, store := newTestFacade(t, &fakeDevices{}, signals)

	tbl := buildTable(t, []string{"/"}, []uint32{kerecord.RootSentinel}, []uint64{0})
	if _, err := store.Install(1000, "partuuid:aaa", "ext4", tbl, 1); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := f.ForgetIndex(1000, "partuuid:aaa"); err != nil {
		t.Fatalf("ForgetIndex: %v", err)
	}
	if _, ok := store.Lookup(1000, "partuuid:aaa"); ok {
		t.Fatal("expected index to be gone after ForgetIndex")
	}
	if len(signals.removed) != 1 || signals.removed[0] != "partuuid:aaa" {
		t.Fatalf("signals.removed = %v, want [partuuid:aaa]", signals.removed)
	}
}

func TestForgetIndexOfUnindexedDeviceIsTypedError(t *testing.T) {
	f, _ := newTestFacade(t, &fakeDevices{}, &fakeSignals{})
	err := f.ForgetIndex(1000, "partuuid:missing")
	var svcErr *Error
	if !asServiceError(err, &svcErr) || svcErr.Kind != KindNoIndex {
		t.Fatalf("err = %v, want a KindNoIndex *Error", err)
	}
}

func TestCallbacksEmitAddedFinishedAndDeviceIndexUpdated(t *testing.T) {
	signals := &fakeSignals{}
	f, store := newTestFacade(t, &fakeDevices{}, signals)
	cb := f.Callbacks()

	cb.OnAdded(7, 1000, "partuuid:aaa")
	if len(signals.added) != 1 || signals.added[0].jobID != 7 {
		t.Fatalf("signals.added = %+v, want one event for job 7", signals.added)
	}

	tbl := buildTable(t, []string{"/"}, []uint32{kerecord.RootSentinel}, []uint64{0})
	if _, err := store.Install(1000, "partuuid:aaa", "ext4", tbl, 1); err != nil {
		t.Fatalf("Install: %v", err)
	}

	cb.OnFinished(7, 1000, "partuuid:aaa", "ok", "")
	if len(signals.finished) != 1 || signals.finished[0].status != "ok" {
		t.Fatalf("signals.finished = %+v, want one ok event", signals.finished)
	}
	if len(signals.updated) != 1 || signals.updated[0].generation != 1 {
		t.Fatalf("signals.updated = %+v, want one event at generation 1", signals.updated)
	}
}

type fakePersist struct {
	policy map[watchKey]bool
}

func newFakePersist() *fakePersist {
	return &fakePersist{policy: make(map[watchKey]bool)}
}

func (p *fakePersist) SetWatchEnabled(ownerUID uint32, deviceID string, enabled bool) error {
	p.policy[watchKey{ownerUID: ownerUID, deviceID: deviceID}] = enabled
	return nil
}

func (p *fakePersist) WatchEnabled(ownerUID uint32, deviceID string) (bool, bool, error) {
	enabled, ok := p.policy[watchKey{ownerUID: ownerUID, deviceID: deviceID}]
	return enabled, ok, nil
}

func TestWatchPolicySurvivesFreshFacadeViaPersist(t *testing.T) {
	persist := newFakePersist()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kerstore.NewStore(nil)
	jobs := kerjob.New("unused", store, kerjob.Callbacks{})

	f1 := New(logger, store, jobs, nil, &fakeDevices{}, &fakeSignals{}, persist)
	f1.SetWatchEnabled(1000, "partuuid:aaa", false)

	// A second facade instance (standing in for a daemon restart) backed
	// by the same persist should observe the disabled policy without its
	// own in-memory cache ever having been written to directly.
	f2 := New(logger, store, jobs, nil, &fakeDevices{}, &fakeSignals{}, persist)
	if f2.watchEnabled(1000, "partuuid:aaa") {
		t.Fatal("expected watch policy to be loaded from persist, not default to true")
	}
}

func TestCallbacksSkipDeviceIndexUpdatedOnNonOkFinish(t *testing.T) {
	signals := &fakeSignals{}
	f, _ := newTestFacade(t, &fakeDevices{}, signals)
	cb := f.Callbacks()

	cb.OnFinished(1, 1000, "partuuid:aaa", "error", "exit code 2")
	if len(signals.updated) != 0 {
		t.Fatalf("signals.updated = %+v, want none for a non-ok finish", signals.updated)
	}
	if len(signals.finished) != 1 || signals.finished[0].message != "exit code 2" {
		t.Fatalf("signals.finished = %+v, want the error message preserved", signals.finished)
	}
}
