package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	meters "calista-sync/internal/meters/domain"
)

const (
	defaultDevicesTable  = "meter_devices"
	defaultReadingsTable = "meter_readings"
)

// ReadingRepository persists devices and their cleaned reading histories.
type ReadingRepository struct {
	db            *sql.DB
	devicesTable  string
	readingsTable string
}

// NewReadingRepository constructs a repository with default table names.
func NewReadingRepository(db *sql.DB, opts ...RepositoryOption) *ReadingRepository {
	repo := &ReadingRepository{
		db:            db,
		devicesTable:  defaultDevicesTable,
		readingsTable: defaultReadingsTable,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*ReadingRepository)

// WithDevicesTable overrides the devices table name.
func WithDevicesTable(table string) RepositoryOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.devicesTable = table
		}
	}
}

// WithReadingsTable overrides the readings table name.
func WithReadingsTable(table string) RepositoryOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.readingsTable = table
		}
	}
}

// SaveDevices upserts the devices and every reading in their histories.
// Readings are keyed by (serial, date); a re-sync overwrites values in place.
func (r *ReadingRepository) SaveDevices(ctx context.Context, devices map[string]*meters.Device) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if len(devices) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reading repo: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deviceQuery := fmt.Sprintf(`
INSERT INTO %s (serial_number, device_type, location, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (serial_number) DO UPDATE SET
	device_type = EXCLUDED.device_type,
	location = EXCLUDED.location,
	updated_at = EXCLUDED.updated_at`, r.devicesTable)

	readingQuery := fmt.Sprintf(`
INSERT INTO %s (serial_number, reading_date, value)
VALUES ($1, $2, $3)
ON CONFLICT (serial_number, reading_date) DO UPDATE SET
	value = EXCLUDED.value`, r.readingsTable)

	now := time.Now().UTC()
	for serial, device := range devices {
		if _, err := tx.ExecContext(ctx, deviceQuery, serial, string(device.Type), device.Location, now); err != nil {
			return fmt.Errorf("reading repo: upsert device %s: %w", serial, err)
		}
		for _, reading := range device.History() {
			if !reading.HasValue() {
				continue
			}
			if _, err := tx.ExecContext(ctx, readingQuery, serial, reading.Date, *reading.Value); err != nil {
				return fmt.Errorf("reading repo: upsert reading %s@%s: %w",
					serial, reading.Date.Format("2006-01-02"), err)
			}
		}
	}
	return tx.Commit()
}

// ListDevices loads all known devices without their histories.
func (r *ReadingRepository) ListDevices(ctx context.Context) ([]*meters.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT serial_number, device_type, location
FROM %s
ORDER BY serial_number`, r.devicesTable)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading repo: list devices: %w", err)
	}
	defer rows.Close()

	var devices []*meters.Device
	for rows.Next() {
		var serial, deviceType, location string
		if err := rows.Scan(&serial, &deviceType, &location); err != nil {
			return nil, fmt.Errorf("reading repo: scan device: %w", err)
		}
		device, err := meters.NewDevice(meters.DeviceType(deviceType), serial, location)
		if err != nil {
			return nil, fmt.Errorf("reading repo: device %s: %w", serial, err)
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// LoadHistory loads a device with its readings between from and to inclusive.
func (r *ReadingRepository) LoadHistory(ctx context.Context, serial string, from, to time.Time) (*meters.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	if serial == "" {
		return nil, errors.New("reading repo: empty serial")
	}

	deviceQuery := fmt.Sprintf(`
SELECT device_type, location
FROM %s
WHERE serial_number = $1`, r.devicesTable)

	var deviceType, location string
	err := r.db.QueryRowContext(ctx, deviceQuery, serial).Scan(&deviceType, &location)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading repo: load device %s: %w", serial, err)
	}

	device, err := meters.NewDevice(meters.DeviceType(deviceType), serial, location)
	if err != nil {
		return nil, fmt.Errorf("reading repo: device %s: %w", serial, err)
	}

	readingQuery := fmt.Sprintf(`
SELECT reading_date, value
FROM %s
WHERE serial_number = $1 AND reading_date BETWEEN $2 AND $3
ORDER BY reading_date`, r.readingsTable)

	rows, err := r.db.QueryContext(ctx, readingQuery, serial, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading repo: load history %s: %w", serial, err)
	}
	defer rows.Close()

	for rows.Next() {
		var date time.Time
		var value float64
		if err := rows.Scan(&date, &value); err != nil {
			return nil, fmt.Errorf("reading repo: scan reading: %w", err)
		}
		if err := device.AddReadingValue(value, date); err != nil {
			return nil, fmt.Errorf("reading repo: reading %s@%s: %w",
				serial, date.Format("2006-01-02"), err)
		}
	}
	return device, rows.Err()
}
