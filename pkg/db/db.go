package db

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/reikooters/kerything/pkg/config"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/fx"
)

var Module = fx.Module("db",
	fx.Provide(New),
)

type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

func New(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*DB, error) {
	logger = logger.With("component", "db")

	dbDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, err
	}

	db := &DB{
		conn:   conn,
		logger: logger,
	}

	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("database initialized", "path", cfg.DBPath)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("closing database")
			return db.Close()
		},
	})

	return db, nil
}

func (db *DB) init() error {
	db.logger.Debug("initializing database with migrations")

	if _, err := db.conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	return db.RunMigrations()
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

// KnownDeviceRow is the last-seen catalogue entry for a block device, as
// stored in the devices table. No daemon code path writes or reads this
// table; ListKnownDevices lists only what the prober reports.
type KnownDeviceRow struct {
	DeviceID  string
	DevNode   string
	FsType    string
	UUID      string
	Label     string
	PartUUID  string
	FirstSeen int64
	LastSeen  int64
}

// UpsertDevice records (or refreshes) the last-seen catalogue entry for
// a device, keyed by its stable deviceId.
func (db *DB) UpsertDevice(deviceID, devNode, fsType, uuid, label, partUUID string, seenAtUnix int64) error {
	_, err := db.conn.Exec(`
		INSERT INTO devices (device_id, dev_node, fs_type, uuid, label, part_uuid, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			dev_node = excluded.dev_node,
			fs_type = excluded.fs_type,
			uuid = excluded.uuid,
			label = excluded.label,
			part_uuid = excluded.part_uuid,
			last_seen = excluded.last_seen
	`, deviceID, devNode, fsType, uuid, label, partUUID, seenAtUnix, seenAtUnix)
	return err
}

// ListDevices returns every device the daemon has ever seen, ordered by
// deviceId.
func (db *DB) ListDevices() ([]KnownDeviceRow, error) {
	rows, err := db.conn.Query(`
		SELECT device_id, dev_node, fs_type, uuid, label, part_uuid, first_seen, last_seen
		FROM devices ORDER BY device_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnownDeviceRow
	for rows.Next() {
		var d KnownDeviceRow
		var uuid, label, partUUID sql.NullString
		if err := rows.Scan(&d.DeviceID, &d.DevNode, &d.FsType, &uuid, &label, &partUUID, &d.FirstSeen, &d.LastSeen); err != nil {
			return nil, err
		}
		d.UUID = uuid.String
		d.Label = label.String
		d.PartUUID = partUUID.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetWatchEnabled persists whether (ownerUID, deviceID) should be kept
// up to date by the watch supervisor across daemon restarts.
func (db *DB) SetWatchEnabled(ownerUID uint32, deviceID string, enabled bool) error {
	_, err := db.conn.Exec(`
		INSERT INTO watch_policy (owner_uid, device_id, enabled)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_uid, device_id) DO UPDATE SET enabled = excluded.enabled
	`, ownerUID, deviceID, enabled)
	return err
}

// WatchEnabled reports the persisted watch policy for (ownerUID, deviceID).
// ok is false if no policy has ever been recorded, letting the caller
// fall back to its own default.
func (db *DB) WatchEnabled(ownerUID uint32, deviceID string) (enabled bool, ok bool, err error) {
	row := db.conn.QueryRow(
		"SELECT enabled FROM watch_policy WHERE owner_uid = ? AND device_id = ?",
		ownerUID, deviceID,
	)
	if err := row.Scan(&enabled); err != nil {
		if err == sql.ErrNoRows {
			return false, false, nil
		}
		return false, false, err
	}
	return enabled, true, nil
}

// ListWatchPolicyForOwner returns every persisted watch-policy row for
// an owner, keyed by deviceId. The daemon does not call it; the facade
// reads the policy one device at a time through WatchEnabled.
func (db *DB) ListWatchPolicyForOwner(ownerUID uint32) (map[string]bool, error) {
	rows, err := db.conn.Query(
		"SELECT device_id, enabled FROM watch_policy WHERE owner_uid = ?",
		ownerUID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var deviceID string
		var enabled bool
		if err := rows.Scan(&deviceID, &enabled); err != nil {
			return nil, err
		}
		out[deviceID] = enabled
	}
	return out, rows.Err()
}

// IndexHistoryRow is the last recorded indexing outcome for
// (ownerUID, deviceID). No daemon code path writes or reads the
// index_history table; ListIndexedDevices takes lastIndexedTime from the
// installed index.
type IndexHistoryRow struct {
	OwnerUID   uint32
	DeviceID   string
	FsType     string
	Generation uint64
	EntryCount uint64
	IndexedAt  int64
}

// RecordIndexHistory upserts the most recent successful index outcome
// for (ownerUID, deviceID).
func (db *DB) RecordIndexHistory(ownerUID uint32, deviceID, fsType string, generation, entryCount uint64, indexedAtUnix int64) error {
	_, err := db.conn.Exec(`
		INSERT INTO index_history (owner_uid, device_id, fs_type, generation, entry_count, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_uid, device_id) DO UPDATE SET
			fs_type = excluded.fs_type,
			generation = excluded.generation,
			entry_count = excluded.entry_count,
			indexed_at = excluded.indexed_at
	`, ownerUID, deviceID, fsType, generation, entryCount, indexedAtUnix)
	return err
}

// GetIndexHistory returns the last recorded index outcome for
// (ownerUID, deviceID), if any.
func (db *DB) GetIndexHistory(ownerUID uint32, deviceID string) (*IndexHistoryRow, error) {
	row := db.conn.QueryRow(`
		SELECT owner_uid, device_id, fs_type, generation, entry_count, indexed_at
		FROM index_history WHERE owner_uid = ? AND device_id = ?
	`, ownerUID, deviceID)

	h := &IndexHistoryRow{}
	if err := row.Scan(&h.OwnerUID, &h.DeviceID, &h.FsType, &h.Generation, &h.EntryCount, &h.IndexedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return h, nil
}

// DeleteIndexHistory removes the recorded history for (ownerUID, deviceID).
// ForgetIndex does not call it.
func (db *DB) DeleteIndexHistory(ownerUID uint32, deviceID string) error {
	_, err := db.conn.Exec(
		"DELETE FROM index_history WHERE owner_uid = ? AND device_id = ?",
		ownerUID, deviceID,
	)
	return err
}
