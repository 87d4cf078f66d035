package kerservice

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/reikooters/kerything/internal/kerdevice"
	"github.com/reikooters/kerything/internal/kerindex"
	"github.com/reikooters/kerything/internal/kerquery"
	"github.com/reikooters/kerything/pkg/config"
)

// busName/objectPath/ifaceName are kept identical to original_source's
// IndexerService so the daemon is recognizably "the same service," now
// spoken over godbus instead of QtDBus. busName is config.BusName, the
// one place that string is declared.
const (
	busName    = config.BusName
	objectPath = dbus.ObjectPath("/net/reikooters/Kerything1/Indexer")
	ifaceName  = "net.reikooters.Kerything1.Indexer"
)

// DBusExport wraps a Facade as a godbus-exported object: every public
// method that needs the caller's uid takes a trailing dbus.Sender
// parameter, which godbus populates
// with the calling connection's unique bus name (it is not a real D-Bus
// method argument and the caller never supplies it), letting us resolve
// the calling uid via GetConnectionUnixUser the same way
// IndexerService::callerUidOr0 resolved it from QDBusContext.
type DBusExport struct {
	facade *Facade
	conn   *dbus.Conn
	logger *slog.Logger
}

// NewDBusExport exports facade on conn at the well-known object path and
// interface, and requests the well-known bus name.
func NewDBusExport(logger *slog.Logger, conn *dbus.Conn, facade *Facade) (*DBusExport, error) {
	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("kerservice: requesting bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("kerservice: bus name %s already owned", busName)
	}

	export := &DBusExport{facade: facade, conn: conn, logger: logger.With("component", "kerservice.dbus")}
	if err := conn.Export(export, objectPath, ifaceName); err != nil {
		return nil, fmt.Errorf("kerservice: exporting %s: %w", ifaceName, err)
	}
	return export, nil
}

// Close releases the well-known bus name. The underlying connection
// itself is owned by whoever constructed it (cmd/kerythingd's fx
// lifecycle) and is closed separately.
func (e *DBusExport) Close() error {
	_, err := e.conn.ReleaseName(busName)
	return err
}

func (e *DBusExport) callerUID(sender dbus.Sender) (uint32, error) {
	var uid uint32
	err := e.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&uid)
	if err != nil {
		return 0, fmt.Errorf("kerservice: resolving caller uid: %w", err)
	}
	return uid, nil
}

// Ping matches net.reikooters.Kerything1.Indexer.Ping.
func (e *DBusExport) Ping() (string, uint32, *dbus.Error) {
	v, apiV := e.facade.Ping()
	return v, apiV, nil
}

// knownDeviceRow is a(sv)-shaped per original_source's QVariantMap
// encoding of each ListKnownDevices row.
type knownDeviceRow = map[string]dbus.Variant

func variantize(kv map[string]any) knownDeviceRow {
	row := make(knownDeviceRow, len(kv))
	for k, v := range kv {
		row[k] = dbus.MakeVariant(v)
	}
	return row
}

// ListKnownDevices matches net.reikooters.Kerything1.Indexer.ListKnownDevices.
func (e *DBusExport) ListKnownDevices() ([]knownDeviceRow, *dbus.Error) {
	devices, err := e.facade.ListKnownDevices()
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	out := make([]knownDeviceRow, len(devices))
	for i, d := range devices {
		out[i] = variantize(map[string]any{
			"deviceId":          d.DeviceID,
			"devNode":           d.DevNode,
			"fsType":            d.FsType,
			"label":             d.Label,
			"uuid":              d.UUID,
			"partuuid":          d.PartUUID,
			"mounted":           d.Mounted,
			"mountPoints":       d.MountPoints,
			"primaryMountPoint": d.PrimaryMountPoint,
		})
	}
	return out, nil
}

// ListIndexedDevices matches net.reikooters.Kerything1.Indexer.ListIndexedDevices.
func (e *DBusExport) ListIndexedDevices(sender dbus.Sender) ([]knownDeviceRow, *dbus.Error) {
	uid, err := e.callerUID(sender)
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	rows := e.facade.ListIndexedDevices(uid)
	out := make([]knownDeviceRow, len(rows))
	for i, r := range rows {
		out[i] = variantize(map[string]any{
			"deviceId":         r.DeviceID,
			"fsType":           r.FsType,
			"generation":       r.Generation,
			"entryCount":       r.EntryCount,
			"lastIndexedTime":  r.LastIndexedTime,
			"label":            r.Label,
			"uuid":             r.UUID,
			"watchEnabled":     r.WatchEnabled,
			"watchState":       r.WatchState,
			"watchError":       r.WatchError,
			"watchFailCount":   r.WatchFailCount,
			"watchRetryInSec":  r.WatchRetryInSec,
			"watchRetryAtMs":   r.WatchRetryAtMs,
			"watchRetryMode":   r.WatchRetryMode,
		})
	}
	return out, nil
}

// StartIndex matches net.reikooters.Kerything1.Indexer.StartIndex.
func (e *DBusExport) StartIndex(deviceID string, sender dbus.Sender) (uint64, *dbus.Error) {
	uid, err := e.callerUID(sender)
	if err != nil {
		return 0, dbus.MakeFailedError(err)
	}

	devices, err := e.facade.devices.ListKnownDevices()
	if err != nil {
		return 0, dbus.MakeFailedError(err)
	}
	var match *kerdevice.KnownDevice
	for i := range devices {
		if devices[i].DeviceID == deviceID {
			match = &devices[i]
			break
		}
	}
	if match == nil {
		return 0, dbus.MakeFailedError(errUnknownDevice("StartIndex", deviceID))
	}

	return e.facade.StartIndex(uid, deviceID, match.FsType, match.DevNode), nil
}

// CancelJob matches net.reikooters.Kerything1.Indexer.CancelJob.
func (e *DBusExport) CancelJob(jobID uint64) *dbus.Error {
	if err := e.facade.CancelJob(jobID); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// Search matches net.reikooters.Kerything1.Indexer.Search.
func (e *DBusExport) Search(query string, deviceIDs []string, sortKey, sortDir string, offset, limit uint32, options map[string]dbus.Variant, sender dbus.Sender) (uint64, [][]any, *dbus.Error) {
	uid, err := e.callerUID(sender)
	if err != nil {
		return 0, nil, dbus.MakeFailedError(err)
	}

	req := kerquery.Request{
		Query:     query,
		DeviceIDs: deviceIDs,
		SortKey:   parseSortKey(sortKey),
		SortDir:   parseSortDir(sortDir),
		Offset:    offset,
		Limit:     limit,
	}
	total, rows, err := e.facade.Search(uid, req)
	if err != nil {
		return 0, nil, dbus.MakeFailedError(err)
	}

	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.EntryID, r.DeviceID, r.Name, r.DirID, r.Size, r.Mtime, r.Flags}
	}
	return total, out, nil
}

func parseSortKey(s string) kerindex.SortKey {
	switch s {
	case "path":
		return kerindex.SortByPath
	case "size":
		return kerindex.SortBySize
	case "mtime":
		return kerindex.SortByMtime
	default:
		return kerindex.SortByName
	}
}

func parseSortDir(s string) kerquery.SortDir {
	if s == "desc" {
		return kerquery.Descending
	}
	return kerquery.Ascending
}

// ResolveDirectories matches net.reikooters.Kerything1.Indexer.ResolveDirectories.
func (e *DBusExport) ResolveDirectories(deviceID string, dirIDs []uint32, sender dbus.Sender) ([][]any, *dbus.Error) {
	uid, err := e.callerUID(sender)
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	paths, err := e.facade.ResolveDirectories(uid, deviceID, dirIDs)
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	out := make([][]any, len(paths))
	for i, p := range paths {
		out[i] = []any{p.DirID, p.Path}
	}
	return out, nil
}

// ResolveEntries matches net.reikooters.Kerything1.Indexer.ResolveEntries.
// The wire entryIds already carry their device's fnv32 hash in their high
// 32 bits (kerquery.entryID); the facade needs the literal deviceId
// string though, so this adapter resolves it by scanning the caller's
// installed devices for a hash match before delegating.
func (e *DBusExport) ResolveEntries(entryIDs []uint64, sender dbus.Sender) ([]knownDeviceRow, *dbus.Error) {
	uid, err := e.callerUID(sender)
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}

	deviceIDs := make([]string, len(entryIDs))
	indexed := e.facade.ListIndexedDevices(uid)
	for i, id := range entryIDs {
		deviceIDs[i] = deviceIDForEntry(id, indexed)
	}

	entries, err := e.facade.ResolveEntries(uid, deviceIDs, entryIDs)
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	out := make([]knownDeviceRow, len(entries))
	for i, en := range entries {
		out[i] = variantize(map[string]any{
			"entryId":           en.EntryID,
			"deviceId":          en.DeviceID,
			"name":              en.Name,
			"isDir":             en.IsDir,
			"mounted":           en.Mounted,
			"primaryMountPoint": en.PrimaryMountPoint,
			"internalPath":      en.InternalPath,
			"displayPath":       en.DisplayPath,
			"internalDir":       en.InternalDir,
			"displayDir":        en.DisplayDir,
		})
	}
	return out, nil
}

func deviceIDForEntry(entryID uint64, indexed []IndexedDevice) string {
	hash := uint32(entryID >> 32)
	for _, d := range indexed {
		if fnv32a(d.DeviceID) == hash {
			return d.DeviceID
		}
	}
	return ""
}

func fnv32a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// ForgetIndex matches net.reikooters.Kerything1.Indexer.ForgetIndex.
func (e *DBusExport) ForgetIndex(deviceID string, sender dbus.Sender) *dbus.Error {
	uid, err := e.callerUID(sender)
	if err != nil {
		return dbus.MakeFailedError(err)
	}
	if err := e.facade.ForgetIndex(uid, deviceID); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// SetWatchEnabled matches net.reikooters.Kerything1.Indexer.SetWatchEnabled.
func (e *DBusExport) SetWatchEnabled(deviceID string, enabled bool, sender dbus.Sender) (bool, *dbus.Error) {
	uid, err := e.callerUID(sender)
	if err != nil {
		return false, dbus.MakeFailedError(err)
	}
	return e.facade.SetWatchEnabled(uid, deviceID, enabled), nil
}

// dbusSignals implements kerservice.Signals by emitting D-Bus signals on
// the exported object, matching the five original_source::IndexerService
// signal shapes one-for-one.
type dbusSignals struct {
	conn *dbus.Conn
}

// NewDBusSignals builds the Signals implementation NewDBusExport's Facade
// should be constructed with, so job/store events reach bus clients.
func NewDBusSignals(conn *dbus.Conn) Signals {
	return &dbusSignals{conn: conn}
}

func (d *dbusSignals) emit(name string, values ...any) {
	_ = d.conn.Emit(objectPath, ifaceName+"."+name, values...)
}

func (d *dbusSignals) JobAdded(ownerUID uint32, jobID uint64, deviceID string) {
	d.emit("JobAdded", jobID, variantize(map[string]any{"deviceId": deviceID, "ownerUid": ownerUID}))
}

func (d *dbusSignals) JobProgress(ownerUID uint32, jobID uint64, percent int) {
	d.emit("JobProgress", jobID, uint32(percent), variantize(map[string]any{"ownerUid": ownerUID}))
}

func (d *dbusSignals) JobFinished(ownerUID uint32, jobID uint64, deviceID, status, message string) {
	d.emit("JobFinished", jobID, status, message, variantize(map[string]any{"deviceId": deviceID, "ownerUid": ownerUID}))
}

func (d *dbusSignals) DeviceIndexUpdated(ownerUID uint32, deviceID string, generation, entryCount uint64) {
	d.emit("DeviceIndexUpdated", deviceID, generation, entryCount)
}

func (d *dbusSignals) DeviceIndexRemoved(ownerUID uint32, deviceID string) {
	d.emit("DeviceIndexRemoved", deviceID)
}
