package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/scheduler/internal/platform/db"
)

// pgExclusionViolation is raised by the bookings_no_overlap constraint.
const pgExclusionViolation = "23P01"

type ledgerPG struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewLedgerPG returns a Postgres-backed Ledger. Overlap between active
// bookings is rejected by an exclusion constraint, so Create is atomic
// across processes. Times are returned in loc.
func NewLedgerPG(pool *pgxpool.Pool, loc *time.Location) Ledger {
	if loc == nil {
		loc = time.Local
	}
	return &ledgerPG{pool: pool, loc: loc}
}

func (r *ledgerPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// InTx runs fn in one transaction so that several ledger calls commit or
// roll back together.
func (r *ledgerPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

const bookingCols = `id, appointment_type, start_time, end_time,
	patient_name, patient_email, patient_phone, notes,
	status, cancellation_reason, created_at, cancelled_at`

func (r *ledgerPG) scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var status string
	err := row.Scan(&b.ID, &b.Slot.AppointmentTypeID, &b.Slot.Start, &b.Slot.End,
		&b.Patient.Name, &b.Patient.Email, &b.Patient.Phone, &b.Patient.Notes,
		&status, &b.CancellationReason, &b.CreatedAt, &b.CancelledAt)
	if err != nil {
		return nil, err
	}
	b.Status = BookingStatus(status)
	b.Slot.Start = b.Slot.Start.In(r.loc)
	b.Slot.End = b.Slot.End.In(r.loc)
	return &b, nil
}

func (r *ledgerPG) Create(ctx context.Context, slot Slot, patient PatientInfo) (*Booking, error) {
	id := uuid.New()
	b, err := r.scanBooking(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bookings (id, appointment_type, start_time, end_time,
			patient_name, patient_email, patient_phone, notes, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+bookingCols,
		id, slot.AppointmentTypeID, slot.Start, slot.End,
		patient.Name, patient.Email, patient.Phone, patient.Notes, string(StatusActive)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert booking: %w", err)
	}
	return b, nil
}

func (r *ledgerPG) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Booking, error) {
	b, err := r.scanBooking(r.conn(ctx).QueryRow(ctx, `
		UPDATE bookings SET status = $2, cancellation_reason = $3, cancelled_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+bookingCols,
		id, string(StatusCancelled), reason, string(StatusActive)))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel booking: %w", err)
	}

	// Nothing updated: either missing or already cancelled.
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyCancelled
}

func (r *ledgerPG) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := r.scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (r *ledgerPG) List(ctx context.Context, filter ListFilter) ([]*Booking, error) {
	query := `SELECT ` + bookingCols + ` FROM bookings WHERE 1=1`
	var args []interface{}
	idx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(filter.Status))
		idx++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(` AND start_time >= $%d`, idx)
		args = append(args, filter.From)
		idx++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(` AND start_time < $%d`, idx)
		args = append(args, filter.To)
		idx++
	}
	query += ` ORDER BY start_time, created_at`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	var items []*Booking
	for rows.Next() {
		b, err := r.scanBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *ledgerPG) BusyIntervals(ctx context.Context, from, to time.Time) (BusyIntervalSet, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT start_time, end_time FROM bookings
		WHERE status = $1 AND start_time < $3 AND end_time > $2
		ORDER BY start_time`,
		string(StatusActive), from, to)
	if err != nil {
		return nil, fmt.Errorf("query busy intervals: %w", err)
	}
	defer rows.Close()

	busy := BusyIntervalSet{}
	for rows.Next() {
		var iv TimeInterval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		iv.Start = iv.Start.In(r.loc)
		iv.End = iv.End.In(r.loc)
		busy = append(busy, iv)
	}
	return busy, rows.Err()
}
