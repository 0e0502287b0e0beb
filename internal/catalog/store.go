package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hearthflow/hearthflow/internal/metrics"
)

// ErrNotFound is returned by point lookups for unknown keys.
var ErrNotFound = errors.New("catalog: not found")

// OpenDB opens (creating if needed) the shared sqlite database. WAL
// and a busy timeout are required so the discoverer's writes never
// starve the read paths of the API and the aggregator.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; a single connection keeps "database is
	// locked" errors out of the write path entirely.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Store provides catalog reads and the discoverer's writes over the
// shared database handle.
type Store struct {
	db      *sql.DB
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStore runs migrations and returns a Store. The same *sql.DB is
// shared with the webhook and aggregation stores.
func NewStore(db *sql.DB, m *metrics.Metrics, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, metrics: m, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id    TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	name_by_user TEXT,
	manufacturer TEXT NOT NULL DEFAULT '',
	model        TEXT NOT NULL DEFAULT '',
	sw_version   TEXT NOT NULL DEFAULT '',
	area_id      TEXT,
	integration  TEXT NOT NULL DEFAULT '',
	entry_type   TEXT,
	health_score INTEGER,
	last_seen    TEXT,
	disabled     INTEGER NOT NULL DEFAULT 0,
	deleted_at   TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	entity_id  TEXT PRIMARY KEY,
	device_id  TEXT,
	domain     TEXT NOT NULL DEFAULT '',
	platform   TEXT NOT NULL DEFAULT '',
	unique_id  TEXT NOT NULL DEFAULT '',
	area_id    TEXT,
	disabled   INTEGER NOT NULL DEFAULT 0,
	deleted_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_device ON entities(device_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_device_unique
	ON entities(device_id, unique_id)
	WHERE device_id IS NOT NULL AND unique_id != '';

CREATE TABLE IF NOT EXISTS areas (
	area_id    TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	aliases    TEXT NOT NULL DEFAULT '[]',
	disabled   INTEGER NOT NULL DEFAULT 0,
	deleted_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS device_capabilities (
	device_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	exposed    INTEGER NOT NULL DEFAULT 1,
	source     TEXT NOT NULL DEFAULT 'schema',
	PRIMARY KEY (device_id, name)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate catalog schema: %w", err)
	}
	return nil
}

// UpsertDevice inserts or updates one device. created_at is preserved
// on update; a resurfacing device clears its tombstone.
func (s *Store) UpsertDevice(d Device, now time.Time) error {
	_, err := s.db.Exec(`
INSERT INTO devices (device_id, name, name_by_user, manufacturer, model, sw_version,
	area_id, integration, entry_type, health_score, last_seen, disabled, deleted_at,
	created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	name = excluded.name,
	name_by_user = excluded.name_by_user,
	manufacturer = excluded.manufacturer,
	model = excluded.model,
	sw_version = excluded.sw_version,
	area_id = excluded.area_id,
	integration = excluded.integration,
	entry_type = excluded.entry_type,
	health_score = COALESCE(excluded.health_score, devices.health_score),
	last_seen = COALESCE(excluded.last_seen, devices.last_seen),
	disabled = excluded.disabled,
	deleted_at = NULL,
	updated_at = excluded.updated_at`,
		d.DeviceID, d.Name, d.NameByUser, d.Manufacturer, d.Model, d.SWVersion,
		d.AreaID, d.Integration, d.EntryType, d.HealthScore, timePtr(d.LastSeen),
		boolInt(d.Disabled), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.DeviceID, err)
	}
	return nil
}

// UpsertEntity inserts or updates one entity. A reference to a device
// the catalog does not know is kept as-is and counted; the device
// usually arrives in the same sweep.
func (s *Store) UpsertEntity(e Entity, now time.Time) error {
	if e.DeviceID != nil {
		var n int
		err := s.db.QueryRow(`SELECT COUNT(1) FROM devices WHERE device_id = ?`, *e.DeviceID).Scan(&n)
		if err == nil && n == 0 {
			if s.metrics != nil {
				s.metrics.UnknownDeviceRefs.Inc()
			}
			s.logger.Warn("entity references unknown device",
				"entity_id", e.EntityID, "device_id", *e.DeviceID)
		}
	}

	if e.DeviceID != nil && e.UniqueID != "" {
		// A registry rename keeps (device_id, unique_id) and changes
		// entity_id; the stale row must yield before the insert.
		_, err := s.db.Exec(`
DELETE FROM entities WHERE device_id = ? AND unique_id = ? AND entity_id != ?`,
			*e.DeviceID, e.UniqueID, e.EntityID)
		if err != nil {
			return fmt.Errorf("replace renamed entity %s: %w", e.EntityID, err)
		}
	}

	_, err := s.db.Exec(`
INSERT INTO entities (entity_id, device_id, domain, platform, unique_id, area_id,
	disabled, deleted_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
ON CONFLICT(entity_id) DO UPDATE SET
	device_id = excluded.device_id,
	domain = excluded.domain,
	platform = excluded.platform,
	unique_id = excluded.unique_id,
	area_id = excluded.area_id,
	disabled = excluded.disabled,
	deleted_at = NULL,
	updated_at = excluded.updated_at`,
		e.EntityID, e.DeviceID, e.Domain, e.Platform, e.UniqueID, e.AreaID,
		boolInt(e.Disabled), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.EntityID, err)
	}
	return nil
}

// UpsertArea inserts or updates one area.
func (s *Store) UpsertArea(a Area, now time.Time) error {
	aliases, err := json.Marshal(a.Aliases)
	if err != nil {
		return fmt.Errorf("marshal area aliases: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO areas (area_id, name, aliases, disabled, deleted_at, updated_at)
VALUES (?, ?, ?, ?, NULL, ?)
ON CONFLICT(area_id) DO UPDATE SET
	name = excluded.name,
	aliases = excluded.aliases,
	disabled = excluded.disabled,
	deleted_at = NULL,
	updated_at = excluded.updated_at`,
		a.AreaID, a.Name, string(aliases), boolInt(a.Disabled), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert area %s: %w", a.AreaID, err)
	}
	return nil
}

// ReplaceCapabilities swaps a device's full capability set in one
// transaction.
func (s *Store) ReplaceCapabilities(deviceID string, caps []Capability) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin capabilities tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM device_capabilities WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("clear capabilities for %s: %w", deviceID, err)
	}
	for _, c := range caps {
		props, err := json.Marshal(c.Properties)
		if err != nil {
			return fmt.Errorf("marshal capability properties: %w", err)
		}
		_, err = tx.Exec(`
INSERT INTO device_capabilities (device_id, name, type, properties, exposed, source)
VALUES (?, ?, ?, ?, ?, ?)`,
			deviceID, c.Name, string(c.Type), string(props), boolInt(c.Exposed), c.Source)
		if err != nil {
			return fmt.Errorf("insert capability %s/%s: %w", deviceID, c.Name, err)
		}
	}
	return tx.Commit()
}

// SoftDeleteDevicesExcept tombstones every device not in keep. Used
// after a full sweep: anything the registry no longer lists is marked,
// never hard-deleted, so late events can still join against it.
func (s *Store) SoftDeleteDevicesExcept(keep map[string]bool, now time.Time) (int, error) {
	return s.softDeleteExcept("devices", "device_id", keep, now)
}

// SoftDeleteEntitiesExcept tombstones every entity not in keep.
func (s *Store) SoftDeleteEntitiesExcept(keep map[string]bool, now time.Time) (int, error) {
	return s.softDeleteExcept("entities", "entity_id", keep, now)
}

// SoftDeleteAreasExcept tombstones every area not in keep.
func (s *Store) SoftDeleteAreasExcept(keep map[string]bool, now time.Time) (int, error) {
	return s.softDeleteExcept("areas", "area_id", keep, now)
}

func (s *Store) softDeleteExcept(table, key string, keep map[string]bool, now time.Time) (int, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT %s FROM %s WHERE deleted_at IS NULL`, key, table))
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", table, err)
	}
	var gone []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan %s id: %w", table, err)
		}
		if !keep[id] {
			gone = append(gone, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate %s: %w", table, err)
	}

	ts := now.Format(time.RFC3339Nano)
	for _, id := range gone {
		_, err := s.db.Exec(
			fmt.Sprintf(`UPDATE %s SET deleted_at = ?, updated_at = ? WHERE %s = ?`, table, key),
			ts, ts, id)
		if err != nil {
			return 0, fmt.Errorf("tombstone %s %s: %w", table, id, err)
		}
	}
	return len(gone), nil
}

// SoftDeleteDevice tombstones one device (incremental registry_updated
// path).
func (s *Store) SoftDeleteDevice(deviceID string, now time.Time) error {
	ts := now.Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE devices SET deleted_at = ?, updated_at = ? WHERE device_id = ?`, ts, ts, deviceID)
	if err != nil {
		return fmt.Errorf("tombstone device %s: %w", deviceID, err)
	}
	return nil
}

// SoftDeleteEntity tombstones one entity.
func (s *Store) SoftDeleteEntity(entityID string, now time.Time) error {
	ts := now.Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE entities SET deleted_at = ?, updated_at = ? WHERE entity_id = ?`, ts, ts, entityID)
	if err != nil {
		return fmt.Errorf("tombstone entity %s: %w", entityID, err)
	}
	return nil
}

// SoftDeleteArea tombstones one area.
func (s *Store) SoftDeleteArea(areaID string, now time.Time) error {
	ts := now.Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE areas SET deleted_at = ?, updated_at = ? WHERE area_id = ?`, ts, ts, areaID)
	if err != nil {
		return fmt.Errorf("tombstone area %s: %w", areaID, err)
	}
	return nil
}

// PurgeTombstones hard-deletes rows tombstoned before the cutoff,
// along with capabilities of purged devices. Returns rows removed.
func (s *Store) PurgeTombstones(cutoff time.Time) (int, error) {
	ts := cutoff.Format(time.RFC3339Nano)
	total := 0

	res, err := s.db.Exec(`
DELETE FROM device_capabilities WHERE device_id IN
	(SELECT device_id FROM devices WHERE deleted_at IS NOT NULL AND deleted_at < ?)`, ts)
	if err != nil {
		return 0, fmt.Errorf("purge capabilities: %w", err)
	}
	n, _ := res.RowsAffected()
	total += int(n)

	for _, table := range []string{"devices", "entities", "areas"} {
		res, err := s.db.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE deleted_at IS NOT NULL AND deleted_at < ?`, table), ts)
		if err != nil {
			return 0, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	if s.metrics != nil && total > 0 {
		s.metrics.TombstonePurged.Add(float64(total))
	}
	return total, nil
}

// GetDevice returns one device, tombstoned or not.
func (s *Store) GetDevice(deviceID string) (Device, error) {
	row := s.db.QueryRow(`
SELECT device_id, name, name_by_user, manufacturer, model, sw_version, area_id,
	integration, entry_type, health_score, last_seen, disabled, created_at, updated_at
FROM devices WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

// ListDevices returns all non-tombstoned devices.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(`
SELECT device_id, name, name_by_user, manufacturer, model, sw_version, area_id,
	integration, entry_type, health_score, last_seen, disabled, created_at, updated_at
FROM devices WHERE deleted_at IS NULL ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetEntity returns one entity, tombstoned or not.
func (s *Store) GetEntity(entityID string) (Entity, error) {
	row := s.db.QueryRow(`
SELECT entity_id, device_id, domain, platform, unique_id, area_id, disabled,
	created_at, updated_at
FROM entities WHERE entity_id = ?`, entityID)
	return scanEntity(row)
}

// ListEntities returns all non-tombstoned entities.
func (s *Store) ListEntities() ([]Entity, error) {
	rows, err := s.db.Query(`
SELECT entity_id, device_id, domain, platform, unique_id, area_id, disabled,
	created_at, updated_at
FROM entities WHERE deleted_at IS NULL ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListAreas returns all non-tombstoned areas.
func (s *Store) ListAreas() ([]Area, error) {
	rows, err := s.db.Query(`
SELECT area_id, name, aliases, disabled, updated_at
FROM areas WHERE deleted_at IS NULL ORDER BY area_id`)
	if err != nil {
		return nil, fmt.Errorf("list areas: %w", err)
	}
	defer rows.Close()

	var out []Area
	for rows.Next() {
		var a Area
		var aliases string
		var disabled int
		var updated string
		if err := rows.Scan(&a.AreaID, &a.Name, &aliases, &disabled, &updated); err != nil {
			return nil, fmt.Errorf("scan area: %w", err)
		}
		if err := json.Unmarshal([]byte(aliases), &a.Aliases); err != nil {
			a.Aliases = nil
		}
		a.Disabled = disabled != 0
		a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListCapabilities returns a device's capability set.
func (s *Store) ListCapabilities(deviceID string) ([]Capability, error) {
	rows, err := s.db.Query(`
SELECT device_id, name, type, properties, exposed, source
FROM device_capabilities WHERE device_id = ? ORDER BY name`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()

	var out []Capability
	for rows.Next() {
		var c Capability
		var typ, props string
		var exposed int
		if err := rows.Scan(&c.DeviceID, &c.Name, &typ, &props, &exposed, &c.Source); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		c.Type = CapabilityType(typ)
		c.Exposed = exposed != 0
		if err := json.Unmarshal([]byte(props), &c.Properties); err != nil {
			c.Properties = map[string]any{}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var d Device
	var nameByUser, areaID, entryType sql.NullString
	var healthScore sql.NullInt64
	var lastSeen sql.NullString
	var disabled int
	var created, updated string

	err := row.Scan(&d.DeviceID, &d.Name, &nameByUser, &d.Manufacturer, &d.Model,
		&d.SWVersion, &areaID, &d.Integration, &entryType, &healthScore, &lastSeen,
		&disabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("scan device: %w", err)
	}

	if nameByUser.Valid {
		d.NameByUser = &nameByUser.String
	}
	if areaID.Valid {
		d.AreaID = &areaID.String
	}
	if entryType.Valid {
		d.EntryType = &entryType.String
	}
	if healthScore.Valid {
		v := int(healthScore.Int64)
		d.HealthScore = &v
	}
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSeen.String); err == nil {
			d.LastSeen = &t
		}
	}
	d.Disabled = disabled != 0
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return d, nil
}

func scanEntity(row rowScanner) (Entity, error) {
	var e Entity
	var deviceID, areaID sql.NullString
	var disabled int
	var created, updated string

	err := row.Scan(&e.EntityID, &deviceID, &e.Domain, &e.Platform, &e.UniqueID,
		&areaID, &disabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("scan entity: %w", err)
	}

	if deviceID.Valid {
		e.DeviceID = &deviceID.String
	}
	if areaID.Valid {
		e.AreaID = &areaID.String
	}
	e.Disabled = disabled != 0
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
