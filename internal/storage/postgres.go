package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/models"
)

// PostgresBookingStore backs the gateway with postgres. The accept race is
// a single conditional UPDATE: whichever transaction lands first wins and
// every later accept sees zero affected rows.
type PostgresBookingStore struct {
	db *sql.DB
}

func NewPostgresBookingStore(dsn string) (*PostgresBookingStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresBookingStore{db: db}, nil
}

func (p *PostgresBookingStore) Create(ctx context.Context, b *models.Booking) error {
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	b.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings(id, requester_id, worker_id, category, price, address, lat, lon,
			schedule, scheduled_at, status, payment_status, payment_intent_id, version, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		b.ID, b.RequesterID, nullable(b.WorkerID), b.Category, b.Price, b.Address, b.Location.Lat, b.Location.Lon,
		b.Schedule, nullTime(b.ScheduledAt), b.Status, b.PaymentStatus, nullable(b.PaymentIntentID), b.Version, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresBookingStore) Get(ctx context.Context, id string) (models.Booking, error) {
	row := p.db.QueryRowContext(ctx, selectBooking+` WHERE id=$1`, id)
	return scanBooking(row)
}

func (p *PostgresBookingStore) ListByRequester(ctx context.Context, requesterID string) ([]models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, selectBooking+` WHERE requester_id=$1 ORDER BY created_at DESC`, requesterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresBookingStore) AcceptIfPending(ctx context.Context, id, workerID string) (models.Booking, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET worker_id=$1, status=$2, version=version+1, updated_at=$3
		WHERE id=$4 AND status IN ($5,$6)`,
		workerID, models.BookingAccepted, time.Now(), id, models.BookingPending, models.BookingDispatched)
	if err != nil {
		return models.Booking{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Booking{}, err
	}
	b, gerr := p.Get(ctx, id)
	if n == 0 {
		if gerr != nil {
			return models.Booking{}, fault.ErrStaleTransition
		}
		if b.Status == models.BookingAccepted {
			return b, fault.ErrRaceLost
		}
		return b, fault.ErrStaleTransition
	}
	return b, gerr
}

func (p *PostgresBookingStore) UpdateStatus(ctx context.Context, id string, status models.BookingStatus) (models.Booking, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET status=$1, version=version+1, updated_at=$2
		WHERE id=$3 AND status NOT IN ($4,$5)`,
		status, time.Now(), id, models.BookingCompleted, models.BookingCancelled)
	if err != nil {
		return models.Booking{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.Booking{}, err
	} else if n == 0 {
		b, gerr := p.Get(ctx, id)
		if gerr != nil {
			return models.Booking{}, fault.ErrStaleTransition
		}
		return b, fault.ErrStaleTransition
	}
	return p.Get(ctx, id)
}

func (p *PostgresBookingStore) SetPayment(ctx context.Context, id, intentID string, status models.PaymentStatus) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE bookings SET payment_intent_id=$1, payment_status=$2, updated_at=$3 WHERE id=$4`,
		intentID, status, time.Now(), id)
	return err
}

func (p *PostgresBookingStore) GetByRequestID(ctx context.Context, requestID string) (models.Booking, bool) {
	var bookingID string
	err := p.db.QueryRowContext(ctx, `SELECT booking_id FROM booking_requests WHERE request_id=$1`, requestID).Scan(&bookingID)
	if err != nil {
		return models.Booking{}, false
	}
	b, err := p.Get(ctx, bookingID)
	return b, err == nil
}

func (p *PostgresBookingStore) SetRequestID(ctx context.Context, requestID, bookingID string) {
	_, _ = p.db.ExecContext(ctx,
		`INSERT INTO booking_requests(request_id, booking_id) VALUES($1,$2) ON CONFLICT (request_id) DO NOTHING`,
		requestID, bookingID)
}

const selectBooking = `
	SELECT id, requester_id, worker_id, category, price, address, lat, lon,
		schedule, scheduled_at, status, payment_status, payment_intent_id, version, created_at, updated_at
	FROM bookings`

type scanner interface{ Scan(dest ...any) error }

func scanBooking(row scanner) (models.Booking, error) {
	var b models.Booking
	var workerID, intentID sql.NullString
	var scheduledAt sql.NullTime
	err := row.Scan(&b.ID, &b.RequesterID, &workerID, &b.Category, &b.Price, &b.Address,
		&b.Location.Lat, &b.Location.Lon, &b.Schedule, &scheduledAt, &b.Status,
		&b.PaymentStatus, &intentID, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Booking{}, fmt.Errorf("booking not found: %w", fault.ErrStaleTransition)
		}
		return models.Booking{}, err
	}
	b.WorkerID = workerID.String
	b.PaymentIntentID = intentID.String
	if scheduledAt.Valid {
		b.ScheduledAt = scheduledAt.Time
	}
	return b, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// PostgresNotificationStore persists notifications.
type PostgresNotificationStore struct {
	db *sql.DB
}

func NewPostgresNotificationStore(dsn string) (*PostgresNotificationStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresNotificationStore{db: db}, nil
}

func (p *PostgresNotificationStore) Append(ctx context.Context, n models.NotificationEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications(id, device_id, role, category, title, body, status, read, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Recipient.DeviceID, n.Recipient.Role, n.Category, n.Title, n.Body, n.Status, n.Read, n.CreatedAt)
	return err
}

func (p *PostgresNotificationStore) List(ctx context.Context, recipient models.Identity) ([]models.NotificationEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, device_id, role, category, title, body, status, read, created_at
		FROM notifications WHERE device_id=$1 AND role=$2 ORDER BY created_at DESC`,
		recipient.DeviceID, recipient.Role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.NotificationEvent
	for rows.Next() {
		var n models.NotificationEvent
		if err := rows.Scan(&n.ID, &n.Recipient.DeviceID, &n.Recipient.Role, &n.Category,
			&n.Title, &n.Body, &n.Status, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresNotificationStore) MarkRead(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE notifications SET read=true WHERE id=$1`, id)
	return err
}

func (p *PostgresNotificationStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM notifications WHERE id=$1`, id)
	return err
}

func (p *PostgresNotificationStore) ClearAll(ctx context.Context, recipient models.Identity) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM notifications WHERE device_id=$1 AND role=$2`,
		recipient.DeviceID, recipient.Role)
	return err
}
