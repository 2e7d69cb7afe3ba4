package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate executes the SQL file at path.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

const bookingColumns = `id, lat, lon, address, city, patient_phone, remarks, nearest_hospital, service_type, status, driver_id, driver_distance_km, created_at, updated_at`

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	var b models.Booking
	var lat, lon, dist sql.NullFloat64
	var driverID sql.NullString
	err := row.Scan(&b.ID, &lat, &lon, &b.Address, &b.City, &b.PatientPhone, &b.Remarks, &b.NearestHospital,
		&b.ServiceType, &b.Status, &driverID, &dist, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Lat = floatPtr(lat)
	b.Lon = floatPtr(lon)
	b.DriverDistanceKm = floatPtr(dist)
	if driverID.Valid {
		b.DriverID = &driverID.String
	}
	return &b, nil
}

func (p *PostgresStore) AssignDriver(ctx context.Context, id, driverID string, distanceKm float64, at time.Time) (bool, error) {
	return p.execBooking(ctx, id, `
		UPDATE bookings
		SET driver_id = $2, driver_distance_km = $3, status = 'assigned', updated_at = $4
		WHERE id = $1 AND status = 'pending' AND driver_id IS NULL`,
		id, driverID, distanceKm, at)
}

func (p *PostgresStore) MarkExhausted(ctx context.Context, id, note string, at time.Time) (bool, error) {
	return p.execBooking(ctx, id, `
		UPDATE bookings
		SET status = 'no_drivers_available',
		    remarks = CASE WHEN remarks = '' THEN $2 ELSE remarks || E'\n' || $2 END,
		    updated_at = $3
		WHERE id = $1 AND status = 'pending'`,
		id, note, at)
}

func (p *PostgresStore) ReopenBooking(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.execBooking(ctx, id, `
		UPDATE bookings SET status = 'pending', updated_at = $2
		WHERE id = $1 AND status = 'no_drivers_available'`,
		id, at)
}

// execBooking runs a conditional update and tells "not applied" apart from
// "no such booking".
func (p *PostgresStore) execBooking(ctx context.Context, id, query string, args ...any) (bool, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// AvailableDrivers implements geo.DriverSource. Rows come back in id order,
// which is the tie-break order the directory preserves.
func (p *PostgresStore) AvailableDrivers(ctx context.Context, _ models.Coord, serviceType string) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, phone, lat, lon, is_available, is_online, vehicle_number, vehicle_type, service_type, updated_at
		FROM drivers
		WHERE is_available AND is_online AND ($1 = '' OR lower(service_type) = lower($1))
		ORDER BY id`, serviceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		var d models.Driver
		if err := rows.Scan(&d.ID, &d.Name, &d.Phone, &d.Loc.Lat, &d.Loc.Lon, &d.Available, &d.Online,
			&d.VehicleNumber, &d.VehicleType, &d.ServiceType, &d.Updated); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d models.Driver) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers (id, name, phone, lat, lon, is_available, is_online, vehicle_number, vehicle_type, service_type, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, phone = EXCLUDED.phone, lat = EXCLUDED.lat, lon = EXCLUDED.lon,
			is_available = EXCLUDED.is_available, is_online = EXCLUDED.is_online,
			vehicle_number = EXCLUDED.vehicle_number, vehicle_type = EXCLUDED.vehicle_type,
			service_type = EXCLUDED.service_type, updated_at = NOW()`,
		d.ID, d.Name, d.Phone, d.Loc.Lat, d.Loc.Lon, d.Available, d.Online, d.VehicleNumber, d.VehicleType, d.ServiceType)
	return err
}

const candidateColumns = `id, booking_id, driver_id, driver_name, driver_phone, driver_lat, driver_lon, round, rank, status, distance_km, call_handle, failure_reason, call_started_at, responded_at, created_at`

func (p *PostgresStore) InsertCandidates(ctx context.Context, cands []models.QueueCandidate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatch_candidates (id, booking_id, driver_id, driver_name, driver_phone, driver_lat, driver_lon, round, rank, status, distance_km, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range cands {
		if _, err := stmt.ExecContext(ctx, c.ID, c.BookingID, c.DriverID, c.DriverName, c.DriverPhone,
			c.DriverLoc.Lat, c.DriverLoc.Lon, c.Round, c.Rank, string(c.Status), c.DistanceKm, c.CreatedAt); err != nil {
			return fmt.Errorf("insert candidate rank %d: %w", c.Rank, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetCandidate(ctx context.Context, id string) (*models.QueueCandidate, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM dispatch_candidates WHERE id = $1`, id)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) ListCandidates(ctx context.Context, bookingID string) ([]models.QueueCandidate, error) {
	return p.queryCandidates(ctx, `SELECT `+candidateColumns+` FROM dispatch_candidates WHERE booking_id = $1 ORDER BY round, rank`, bookingID)
}

func (p *PostgresStore) UpdateCandidate(ctx context.Context, id string, expected models.CandidateStatus, patch CandidatePatch) (*models.QueueCandidate, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE dispatch_candidates
		SET status = $2,
		    call_handle = COALESCE($3, call_handle),
		    failure_reason = COALESCE($4, failure_reason),
		    call_started_at = COALESCE($5, call_started_at),
		    responded_at = COALESCE($6, responded_at)
		WHERE id = $1 AND status = $7
		RETURNING `+candidateColumns,
		id, string(patch.Status), patch.CallHandle, patch.FailureReason, patch.CallStartedAt, patch.RespondedAt, string(expected))
	c, err := scanCandidate(row)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	cur, err := p.GetCandidate(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (p *PostgresStore) CancelPending(ctx context.Context, bookingID string, at time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_candidates SET status = 'cancelled', responded_at = $2
		WHERE booking_id = $1 AND status = 'pending'`, bookingID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) FindByCallHandle(ctx context.Context, handle string) (*models.QueueCandidate, error) {
	if handle == "" {
		return nil, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM dispatch_candidates WHERE call_handle = $1 LIMIT 1`, handle)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) ListCallingStartedBefore(ctx context.Context, cutoff time.Time) ([]models.QueueCandidate, error) {
	return p.queryCandidates(ctx, `
		SELECT `+candidateColumns+` FROM dispatch_candidates
		WHERE status = 'calling' AND call_started_at < $1
		ORDER BY booking_id, round, rank`, cutoff)
}

func (p *PostgresStore) queryCandidates(ctx context.Context, query string, args ...any) ([]models.QueueCandidate, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.QueueCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCandidate(s scanner) (*models.QueueCandidate, error) {
	var c models.QueueCandidate
	var status string
	var handle, reason sql.NullString
	var started, responded sql.NullTime
	if err := s.Scan(&c.ID, &c.BookingID, &c.DriverID, &c.DriverName, &c.DriverPhone, &c.DriverLoc.Lat, &c.DriverLoc.Lon, &c.Round, &c.Rank,
		&status, &c.DistanceKm, &handle, &reason, &started, &responded, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Status = models.CandidateStatus(status)
	c.CallHandle = handle.String
	c.FailureReason = reason.String
	c.CallStartedAt = timePtr(started)
	c.RespondedAt = timePtr(responded)
	return &c, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
