// Package store provides SQLite persistence for readings, batches,
// calibration points and control events.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"krausen/models"
)

type Store struct {
	*sql.DB
}

// New opens (or creates) the SQLite database at path and bootstraps
// the schema. Use ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc sqlite serializes writes; a single connection keeps
	// in-memory databases coherent across goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &Store{db}, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS readings (
		id              TEXT PRIMARY KEY,
		device_id       TEXT NOT NULL,
		timestamp       TIMESTAMP NOT NULL,
		raw_gravity     DOUBLE NOT NULL,
		raw_temp        DOUBLE NOT NULL,
		gravity         DOUBLE NOT NULL,
		temp            DOUBLE NOT NULL,
		rssi            INTEGER,
		status          TEXT NOT NULL,
		batch_id        BIGINT,
		filtered_sg     DOUBLE,
		filtered_temp   DOUBLE,
		is_anomaly      INTEGER NOT NULL DEFAULT 0,
		anomaly_score   DOUBLE,
		anomaly_reason  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_readings_device_ts ON readings(device_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_readings_batch ON readings(batch_id);

	CREATE TABLE IF NOT EXISTS batches (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		name             TEXT NOT NULL,
		device_id        TEXT NOT NULL,
		status           TEXT NOT NULL,
		deleted          INTEGER NOT NULL DEFAULT 0,
		started_at       TIMESTAMP,
		target_temp      DOUBLE NOT NULL DEFAULT 0,
		hysteresis       DOUBLE NOT NULL DEFAULT 0.5,
		heater_id        TEXT,
		cooler_id        TEXT,
		heater_override  TEXT NOT NULL DEFAULT '',
		cooler_override  TEXT NOT NULL DEFAULT '',
		measured_og      DOUBLE,
		min_gravity      DOUBLE,
		max_gravity      DOUBLE,
		min_temp         DOUBLE,
		max_temp         DOUBLE,
		predicted_fg     DOUBLE,
		predicted_end    TIMESTAMP,
		pred_confidence  DOUBLE
	);
	CREATE INDEX IF NOT EXISTS idx_batches_device ON batches(device_id, status);

	CREATE TABLE IF NOT EXISTS calibration_points (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		quantity  TEXT NOT NULL,
		raw       DOUBLE NOT NULL,
		actual    DOUBLE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calibration_device ON calibration_points(device_id, quantity);

	CREATE TABLE IF NOT EXISTS control_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id    BIGINT NOT NULL,
		action      TEXT NOT NULL,
		wort_temp   DOUBLE NOT NULL,
		target_temp DOUBLE NOT NULL,
		timestamp   TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_control_events_batch ON control_events(batch_id, timestamp);
`

// AppendReading persists one immutable reading row.
func (s *Store) AppendReading(ctx context.Context, r *models.Reading) error {
	var batchID interface{}
	if r.BatchID != 0 {
		batchID = r.BatchID
	}
	_, err := s.ExecContext(ctx,
		`INSERT INTO readings (
			id, device_id, timestamp, raw_gravity, raw_temp, gravity, temp,
			rssi, status, batch_id, filtered_sg, filtered_temp,
			is_anomaly, anomaly_score, anomaly_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DeviceID, r.Timestamp, r.RawGravity, r.RawTemp, r.Gravity, r.Temp,
		r.RSSI, string(r.Status), batchID, r.FilteredSG, r.FilteredTemp,
		r.IsAnomaly, r.AnomalyScore, r.AnomalyReason,
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

const readingColumns = `id, device_id, timestamp, raw_gravity, raw_temp, gravity, temp,
	rssi, status, COALESCE(batch_id, 0), filtered_sg, filtered_temp,
	is_anomaly, COALESCE(anomaly_score, 0), COALESCE(anomaly_reason, '')`

func scanReadings(rows *sql.Rows) ([]models.Reading, error) {
	var readings []models.Reading
	for rows.Next() {
		var r models.Reading
		var status string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Timestamp, &r.RawGravity, &r.RawTemp,
			&r.Gravity, &r.Temp, &r.RSSI, &status, &r.BatchID,
			&r.FilteredSG, &r.FilteredTemp,
			&r.IsAnomaly, &r.AnomalyScore, &r.AnomalyReason); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Status = models.ReadingStatus(status)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// ReadingsForBatch returns the batch's readings in timestamp order.
func (s *Store) ReadingsForBatch(ctx context.Context, batchID int64) ([]models.Reading, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE batch_id = ? ORDER BY timestamp`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// ReadingsForDevice returns the device's most recent readings, newest
// first, linked to a batch or not.
func (s *Store) ReadingsForDevice(ctx context.Context, deviceID string, limit int) ([]models.Reading, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM readings
		WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query device readings: %w", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// CreateBatch inserts a batch row and returns its id. Batch CRUD
// belongs to the surrounding application; this seam exists for it and
// for tests.
func (s *Store) CreateBatch(ctx context.Context, b *models.Batch) (int64, error) {
	res, err := s.ExecContext(ctx,
		`INSERT INTO batches (
			name, device_id, status, deleted, started_at, target_temp, hysteresis,
			heater_id, cooler_id, heater_override, cooler_override
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Name, b.DeviceID, string(b.Status), b.Deleted, b.StartedAt,
		b.TargetTemp, b.Hysteresis, b.HeaterID, b.CoolerID,
		string(b.HeaterOverride), string(b.CoolerOverride),
	)
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("batch id: %w", err)
	}
	b.ID = id
	return id, nil
}

func scanBatch(row interface{ Scan(...interface{}) error }) (*models.Batch, error) {
	var b models.Batch
	var status, heaterOv, coolerOv string
	var heaterID, coolerID sql.NullString
	err := row.Scan(&b.ID, &b.Name, &b.DeviceID, &status, &b.Deleted, &b.StartedAt,
		&b.TargetTemp, &b.Hysteresis, &heaterID, &coolerID, &heaterOv, &coolerOv,
		&b.MeasuredOG, &b.MinGravity, &b.MaxGravity, &b.MinTemp, &b.MaxTemp,
		&b.PredictedFG, &b.PredictedEnd, &b.PredConfidence)
	if err != nil {
		return nil, err
	}
	b.Status = models.BatchStatus(status)
	b.HeaterID = heaterID.String
	b.CoolerID = coolerID.String
	b.HeaterOverride = models.OverrideState(heaterOv)
	b.CoolerOverride = models.OverrideState(coolerOv)
	return &b, nil
}

const batchColumns = `id, name, device_id, status, deleted, started_at,
	target_temp, hysteresis, heater_id, cooler_id, heater_override, cooler_override,
	measured_og, min_gravity, max_gravity, min_temp, max_temp,
	predicted_fg, predicted_end, pred_confidence`

// GetBatch returns one batch by id.
func (s *Store) GetBatch(ctx context.Context, id int64) (*models.Batch, error) {
	row := s.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %d: %w", id, err)
	}
	return b, nil
}

// ActiveBatchesForDevice returns the non-deleted fermenting or
// conditioning batches for one device, most recently started first.
func (s *Store) ActiveBatchesForDevice(ctx context.Context, deviceID string) ([]models.Batch, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches
		WHERE device_id = ? AND deleted = 0 AND status IN ('fermenting', 'conditioning')
		ORDER BY started_at DESC`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query active batches: %w", err)
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// ControlledBatches returns the active batches with at least one
// actuator assigned. The control loop manager polls this.
func (s *Store) ControlledBatches(ctx context.Context) ([]models.Batch, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches
		WHERE deleted = 0 AND status IN ('fermenting', 'conditioning')
			AND (COALESCE(heater_id, '') != '' OR COALESCE(cooler_id, '') != '')
		ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query controlled batches: %w", err)
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// UpdateBatchStats folds one valid reading into the batch's measured
// min/max statistics; the first valid gravity becomes the measured OG.
func (s *Store) UpdateBatchStats(ctx context.Context, batchID int64, gravity, temp float64) error {
	_, err := s.ExecContext(ctx,
		`UPDATE batches SET
			measured_og = COALESCE(measured_og, ?),
			min_gravity = MIN(COALESCE(min_gravity, ?), ?),
			max_gravity = MAX(COALESCE(max_gravity, ?), ?),
			min_temp    = MIN(COALESCE(min_temp, ?), ?),
			max_temp    = MAX(COALESCE(max_temp, ?), ?)
		WHERE id = ?`,
		gravity, gravity, gravity, gravity, gravity, temp, temp, temp, temp, batchID,
	)
	if err != nil {
		return fmt.Errorf("update batch stats: %w", err)
	}
	return nil
}

// UpdateBatchPrediction writes the latest prediction onto the batch.
func (s *Store) UpdateBatchPrediction(ctx context.Context, batchID int64, fg float64, end time.Time, confidence float64) error {
	_, err := s.ExecContext(ctx,
		`UPDATE batches SET predicted_fg = ?, predicted_end = ?, pred_confidence = ? WHERE id = ?`,
		fg, end, confidence, batchID,
	)
	if err != nil {
		return fmt.Errorf("update batch prediction: %w", err)
	}
	return nil
}

// SetHeaterOverride stores the operator override for a batch's heater.
func (s *Store) SetHeaterOverride(ctx context.Context, batchID int64, state models.OverrideState) error {
	_, err := s.ExecContext(ctx,
		`UPDATE batches SET heater_override = ? WHERE id = ?`, string(state), batchID)
	if err != nil {
		return fmt.Errorf("set heater override: %w", err)
	}
	return nil
}

// SetCoolerOverride stores the operator override for a batch's cooler.
func (s *Store) SetCoolerOverride(ctx context.Context, batchID int64, state models.OverrideState) error {
	_, err := s.ExecContext(ctx,
		`UPDATE batches SET cooler_override = ? WHERE id = ?`, string(state), batchID)
	if err != nil {
		return fmt.Errorf("set cooler override: %w", err)
	}
	return nil
}

// AddCalibrationPoint inserts one correction anchor for a device.
func (s *Store) AddCalibrationPoint(ctx context.Context, p *models.CalibrationPoint) error {
	res, err := s.ExecContext(ctx,
		`INSERT INTO calibration_points (device_id, quantity, raw, actual) VALUES (?, ?, ?, ?)`,
		p.DeviceID, string(p.Quantity), p.Raw, p.Actual,
	)
	if err != nil {
		return fmt.Errorf("insert calibration point: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

// CalibrationPoints returns a device's correction anchors for one
// quantity, sorted by raw value as the interpolator requires.
func (s *Store) CalibrationPoints(ctx context.Context, deviceID string, q models.Quantity) ([]models.CalibrationPoint, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT id, device_id, quantity, raw, actual FROM calibration_points
		WHERE device_id = ? AND quantity = ? ORDER BY raw`,
		deviceID, string(q),
	)
	if err != nil {
		return nil, fmt.Errorf("query calibration points: %w", err)
	}
	defer rows.Close()

	var points []models.CalibrationPoint
	for rows.Next() {
		var p models.CalibrationPoint
		var quantity string
		if err := rows.Scan(&p.ID, &p.DeviceID, &quantity, &p.Raw, &p.Actual); err != nil {
			return nil, fmt.Errorf("scan calibration point: %w", err)
		}
		p.Quantity = models.Quantity(quantity)
		points = append(points, p)
	}
	return points, rows.Err()
}

// AppendControlEvent records one actuator transition. Rows are
// append-only and never updated.
func (s *Store) AppendControlEvent(ctx context.Context, e *models.ControlEvent) error {
	res, err := s.ExecContext(ctx,
		`INSERT INTO control_events (batch_id, action, wort_temp, target_temp, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		e.BatchID, string(e.Action), e.WortTemp, e.TargetTemp, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert control event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ControlEvents returns a batch's transitions in time order.
func (s *Store) ControlEvents(ctx context.Context, batchID int64) ([]models.ControlEvent, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT id, batch_id, action, wort_temp, target_temp, timestamp
		FROM control_events WHERE batch_id = ? ORDER BY timestamp, id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("query control events: %w", err)
	}
	defer rows.Close()

	var events []models.ControlEvent
	for rows.Next() {
		var e models.ControlEvent
		var action string
		if err := rows.Scan(&e.ID, &e.BatchID, &action, &e.WortTemp, &e.TargetTemp, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan control event: %w", err)
		}
		e.Action = models.ControlAction(action)
		events = append(events, e)
	}
	return events, rows.Err()
}
