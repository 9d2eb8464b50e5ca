/**
 * @description
 * PostgreSQL implementation of the booking and earnings-ledger methods.
 *
 * Booking completion and earnings-entry creation are one transaction on the
 * booking aggregate: a completion that fails to record earnings rolls back the
 * status change, and a second completion of the same booking returns the
 * stored result instead of inserting a duplicate entry.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: Transactions and row locking.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pola/settlement-service/internal/domain"
)

const bookingColumns = `
	id, client_id, payee_id, booking_type, status, scheduled_at,
	estimated_duration_minutes, actual_duration_minutes,
	service_type, snapshot_price, platform_share_percent,
	gross_amount, platform_commission, payee_earnings,
	created_at, updated_at
`

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(
		&b.ID, &b.ClientID, &b.PayeeID, &b.Type, &b.Status, &b.ScheduledAt,
		&b.EstimatedDurationMinutes, &b.ActualDurationMinutes,
		&b.ServiceType, &b.SnapshotPrice, &b.PlatformSharePercent,
		&b.GrossAmount, &b.PlatformCommission, &b.PayeeEarnings,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

// CreateBooking inserts the booking together with its wallet reservation rows.
func (r *PostgresRepository) CreateBooking(ctx context.Context, booking *domain.Booking) error {
	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create booking: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO bookings (
			id, client_id, payee_id, booking_type, status, scheduled_at,
			estimated_duration_minutes, actual_duration_minutes,
			service_type, snapshot_price, platform_share_percent,
			gross_amount, platform_commission, payee_earnings,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, 0, 0, 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		booking.ID, booking.ClientID, booking.PayeeID, string(booking.Type), string(booking.Status),
		booking.ScheduledAt, booking.EstimatedDurationMinutes,
		string(booking.ServiceType), booking.SnapshotPrice, booking.PlatformSharePercent,
	).Scan(&booking.CreatedAt, &booking.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}

	for _, a := range booking.Reservation {
		if _, err := tx.Exec(ctx,
			`INSERT INTO booking_credit_allocations (booking_id, grant_id, minutes) VALUES ($1, $2, $3)`,
			booking.ID, a.GrantID, a.Minutes,
		); err != nil {
			return fmt.Errorf("insert booking allocation: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// FindBookingByID retrieves a booking including its reservation allocations.
func (r *PostgresRepository) FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	booking, err := scanBooking(r.db.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, bookingID))
	if err != nil {
		return nil, err
	}
	reservation, err := r.loadReservation(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	booking.Reservation = reservation
	return booking, nil
}

func (r *PostgresRepository) loadReservation(ctx context.Context, bookingID uuid.UUID) ([]domain.GrantAllocation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT grant_id, minutes FROM booking_credit_allocations WHERE booking_id = $1 ORDER BY grant_id`,
		bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []domain.GrantAllocation
	for rows.Next() {
		var a domain.GrantAllocation
		if err := rows.Scan(&a.GrantID, &a.Minutes); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// ConfirmBooking transitions pending -> confirmed. Any other current state is
// ErrInvalidBookingState; a missing row is ErrBookingNotFound.
func (r *PostgresRepository) ConfirmBooking(ctx context.Context, bookingID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE bookings SET status = 'confirmed', updated_at = NOW() WHERE id = $1 AND status = 'pending'`,
		bookingID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, bookingID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrBookingNotFound
		}
		return ErrInvalidBookingState
	}
	return nil
}

// CancelBooking transitions pending/confirmed -> cancelled and returns the
// booking (with its reservation) so the caller can refund the wallet.
func (r *PostgresRepository) CancelBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel booking: %w", err)
	}
	defer tx.Rollback(ctx)

	booking, err := scanBooking(tx.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, bookingID))
	if err != nil {
		return nil, err
	}
	if booking.Status.Terminal() {
		return nil, ErrInvalidBookingState
	}

	if _, err := tx.Exec(ctx,
		`UPDATE bookings SET status = 'cancelled', updated_at = NOW() WHERE id = $1`, bookingID); err != nil {
		return nil, fmt.Errorf("cancel booking: %w", err)
	}

	reservation, err := loadReservationTx(ctx, tx, bookingID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel booking: %w", err)
	}

	booking.Status = domain.BookingCancelled
	booking.Reservation = reservation
	return booking, nil
}

func loadReservationTx(ctx context.Context, tx pgx.Tx, bookingID uuid.UUID) ([]domain.GrantAllocation, error) {
	rows, err := tx.Query(ctx,
		`SELECT grant_id, minutes FROM booking_credit_allocations WHERE booking_id = $1 ORDER BY grant_id`,
		bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []domain.GrantAllocation
	for rows.Next() {
		var a domain.GrantAllocation
		if err := rows.Scan(&a.GrantID, &a.Minutes); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// CompleteBookingWithEarnings is the indivisible completion: the booking's
// terminal transition and its single earnings entry commit together or not at
// all. A booking already completed yields the stored pair with Replayed set;
// any other non-confirmed state is ErrInvalidBookingState.
func (r *PostgresRepository) CompleteBookingWithEarnings(ctx context.Context, bookingID uuid.UUID, actualMinutes int, gross, platformCommission, payeeEarnings int64) (*domain.CompletionResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin complete booking: %w", err)
	}
	defer tx.Rollback(ctx)

	booking, err := scanBooking(tx.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, bookingID))
	if err != nil {
		return nil, err
	}

	if booking.Status == domain.BookingCompleted {
		entry, err := findEarningsEntryTx(ctx, tx, bookingID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &domain.CompletionResult{Booking: booking, Entry: entry, Replayed: true}, nil
	}
	if booking.Status != domain.BookingConfirmed {
		return nil, ErrInvalidBookingState
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'completed',
		    actual_duration_minutes = $2,
		    gross_amount = $3,
		    platform_commission = $4,
		    payee_earnings = $5,
		    updated_at = NOW()
		WHERE id = $1
	`, bookingID, actualMinutes, gross, platformCommission, payeeEarnings); err != nil {
		return nil, fmt.Errorf("complete booking: %w", err)
	}

	entry := &domain.EarningsEntry{
		ID:                 uuid.New(),
		BookingID:          bookingID,
		PayeeID:            booking.PayeeID,
		ServiceType:        booking.ServiceType,
		GrossAmount:        gross,
		PlatformCommission: platformCommission,
		NetEarnings:        payeeEarnings,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO earnings_entries (id, booking_id, payee_id, service_type, gross_amount, platform_commission, net_earnings, paid_out, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, NOW())
		RETURNING created_at
	`, entry.ID, entry.BookingID, entry.PayeeID, string(entry.ServiceType),
		entry.GrossAmount, entry.PlatformCommission, entry.NetEarnings,
	).Scan(&entry.CreatedAt)
	if err != nil {
		// The unique index on booking_id backstops the FOR UPDATE guard.
		return nil, fmt.Errorf("record earnings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit complete booking: %w", err)
	}

	booking.Status = domain.BookingCompleted
	booking.ActualDurationMinutes = actualMinutes
	booking.GrossAmount = gross
	booking.PlatformCommission = platformCommission
	booking.PayeeEarnings = payeeEarnings
	return &domain.CompletionResult{Booking: booking, Entry: entry}, nil
}

const earningsColumns = `
	id, booking_id, payee_id, service_type, gross_amount, platform_commission,
	net_earnings, paid_out, disbursement_id, paid_out_at, created_at
`

func scanEarningsEntry(row pgx.Row) (*domain.EarningsEntry, error) {
	var e domain.EarningsEntry
	err := row.Scan(
		&e.ID, &e.BookingID, &e.PayeeID, &e.ServiceType, &e.GrossAmount, &e.PlatformCommission,
		&e.NetEarnings, &e.PaidOut, &e.DisbursementID, &e.PaidOutAt, &e.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEarningsEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

func findEarningsEntryTx(ctx context.Context, tx pgx.Tx, bookingID uuid.UUID) (*domain.EarningsEntry, error) {
	return scanEarningsEntry(tx.QueryRow(ctx,
		`SELECT `+earningsColumns+` FROM earnings_entries WHERE booking_id = $1`, bookingID))
}

// FindEarningsEntryByBookingID retrieves the single entry for a booking.
func (r *PostgresRepository) FindEarningsEntryByBookingID(ctx context.Context, bookingID uuid.UUID) (*domain.EarningsEntry, error) {
	return scanEarningsEntry(r.db.QueryRow(ctx,
		`SELECT `+earningsColumns+` FROM earnings_entries WHERE booking_id = $1`, bookingID))
}

// ListUnpaidEarnings returns a payee's entries awaiting payout, oldest first.
func (r *PostgresRepository) ListUnpaidEarnings(ctx context.Context, payeeID uuid.UUID) ([]domain.EarningsEntry, error) {
	return r.listEarnings(ctx,
		`SELECT `+earningsColumns+` FROM earnings_entries WHERE payee_id = $1 AND paid_out = false ORDER BY created_at`,
		payeeID)
}

// ListEarningsByPayee returns a payee's full statement, newest first.
func (r *PostgresRepository) ListEarningsByPayee(ctx context.Context, payeeID uuid.UUID) ([]domain.EarningsEntry, error) {
	return r.listEarnings(ctx,
		`SELECT `+earningsColumns+` FROM earnings_entries WHERE payee_id = $1 ORDER BY created_at DESC`,
		payeeID)
}

func (r *PostgresRepository) listEarnings(ctx context.Context, query string, payeeID uuid.UUID) ([]domain.EarningsEntry, error) {
	rows, err := r.db.Query(ctx, query, payeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.EarningsEntry
	for rows.Next() {
		var e domain.EarningsEntry
		if err := rows.Scan(
			&e.ID, &e.BookingID, &e.PayeeID, &e.ServiceType, &e.GrossAmount, &e.PlatformCommission,
			&e.NetEarnings, &e.PaidOut, &e.DisbursementID, &e.PaidOutAt, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkEarningsPaid bulk-transitions a batch to paid. The whole batch fails if
// any entry is missing or already paid, so a payee can never be double-counted
// into two disbursements.
func (r *PostgresRepository) MarkEarningsPaid(ctx context.Context, entryIDs []uuid.UUID, disbursementID uuid.UUID, paidAt time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark paid: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := markEarningsPaidTx(ctx, tx, entryIDs, disbursementID, paidAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func markEarningsPaidTx(ctx context.Context, tx pgx.Tx, entryIDs []uuid.UUID, disbursementID uuid.UUID, paidAt time.Time) error {
	rows, err := tx.Query(ctx,
		`SELECT id, paid_out FROM earnings_entries WHERE id = ANY($1) FOR UPDATE`, entryIDs)
	if err != nil {
		return fmt.Errorf("lock earnings batch: %w", err)
	}
	seen := make(map[uuid.UUID]bool, len(entryIDs))
	for rows.Next() {
		var id uuid.UUID
		var paid bool
		if err := rows.Scan(&id, &paid); err != nil {
			rows.Close()
			return err
		}
		if paid {
			rows.Close()
			return fmt.Errorf("entry %s: %w", id, ErrEarningsAlreadyPaid)
		}
		seen[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range entryIDs {
		if !seen[id] {
			return fmt.Errorf("entry %s: %w", id, ErrEarningsEntryNotFound)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE earnings_entries
		SET paid_out = true, disbursement_id = $2, paid_out_at = $3
		WHERE id = ANY($1)
	`, entryIDs, disbursementID, paidAt)
	if err != nil {
		return fmt.Errorf("mark earnings paid: %w", err)
	}
	return nil
}
