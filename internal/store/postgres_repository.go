/**
 * @description
 * PostgreSQL implementation of the `Repository` interface: pricing catalog and
 * credit wallet operations. Booking/earnings and payment-side methods live in
 * postgres_booking.go and postgres_settlement.go.
 *
 * Wallet consumption locks the owner's grant rows with SELECT ... FOR UPDATE,
 * plans the debit with domain.AllocateMinutes, and applies the plan inside the
 * same transaction, so concurrent consumes against one owner serialize while
 * different owners proceed independently.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Domain models and the pure allocation algorithm.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pola/settlement-service/internal/domain"
)

var (
	ErrPricingRuleNotFound      = errors.New("pricing rule not found")
	ErrGrantNotFound            = errors.New("credit grant not found")
	ErrBookingNotFound          = errors.New("booking not found")
	ErrEarningsEntryNotFound    = errors.New("earnings entry not found")
	ErrDisbursementNotFound     = errors.New("disbursement not found")
	ErrTransactionNotFound      = errors.New("inbound transaction not found")
	ErrInvalidBookingState      = errors.New("invalid booking state transition")
	ErrEarningsAlreadyPaid      = errors.New("earnings entry already paid out")
	ErrEntriesAlreadyBatched    = errors.New("earnings entry already reserved by another disbursement")
	ErrEarningsBatchMismatch    = errors.New("earnings entry does not belong to payee")
	ErrDuplicateEarningsEntry   = errors.New("earnings entry already exists for booking")
	ErrDisbursementNotRetryable = errors.New("disbursement is not in a retryable state")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetPricingRule retrieves one catalog entry by service type.
func (r *PostgresRepository) GetPricingRule(ctx context.Context, serviceType domain.ServiceType) (*domain.PricingRule, error) {
	var rule domain.PricingRule
	query := `
		SELECT service_type, price, platform_share_percent, payee_share_percent, description, active, created_at, updated_at
		FROM pricing_rules
		WHERE service_type = $1 AND active = true
	`
	err := r.db.QueryRow(ctx, query, string(serviceType)).Scan(
		&rule.ServiceType, &rule.Price, &rule.PlatformSharePercent, &rule.PayeeSharePercent,
		&rule.Description, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPricingRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// ListPricingRules returns the whole catalog ordered by service type.
func (r *PostgresRepository) ListPricingRules(ctx context.Context) ([]domain.PricingRule, error) {
	query := `
		SELECT service_type, price, platform_share_percent, payee_share_percent, description, active, created_at, updated_at
		FROM pricing_rules
		ORDER BY service_type
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.PricingRule
	for rows.Next() {
		var rule domain.PricingRule
		if err := rows.Scan(
			&rule.ServiceType, &rule.Price, &rule.PlatformSharePercent, &rule.PayeeSharePercent,
			&rule.Description, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// UpsertPricingRule writes one catalog entry. The split invariant is validated
// before this is called; the database check constraint is the backstop.
func (r *PostgresRepository) UpsertPricingRule(ctx context.Context, rule domain.PricingRule) error {
	query := `
		INSERT INTO pricing_rules (service_type, price, platform_share_percent, payee_share_percent, description, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (service_type) DO UPDATE
		SET price = EXCLUDED.price,
		    platform_share_percent = EXCLUDED.platform_share_percent,
		    payee_share_percent = EXCLUDED.payee_share_percent,
		    description = EXCLUDED.description,
		    active = EXCLUDED.active,
		    updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		string(rule.ServiceType), rule.Price, rule.PlatformSharePercent, rule.PayeeSharePercent,
		rule.Description, rule.Active,
	)
	return err
}

// CreateCreditGrant inserts a new grant. The caller sets status (active for
// settled grants, pending for purchases awaiting their gateway callback).
func (r *PostgresRepository) CreateCreditGrant(ctx context.Context, grant *domain.CreditGrant) error {
	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	query := `
		INSERT INTO credit_grants (id, owner_id, bundle_name, total_minutes, remaining_minutes, validity_days, purchased_at, expires_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		grant.ID, grant.OwnerID, grant.BundleName, grant.TotalMinutes, grant.RemainingMinutes,
		grant.ValidityDays, grant.PurchasedAt, grant.ExpiresAt, string(grant.Status),
	).Scan(&grant.CreatedAt, &grant.UpdatedAt)
}

// FindCreditGrantByID retrieves one grant.
func (r *PostgresRepository) FindCreditGrantByID(ctx context.Context, grantID uuid.UUID) (*domain.CreditGrant, error) {
	var g domain.CreditGrant
	query := `
		SELECT id, owner_id, bundle_name, total_minutes, remaining_minutes, validity_days, purchased_at, expires_at, status, created_at, updated_at
		FROM credit_grants
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, grantID).Scan(
		&g.ID, &g.OwnerID, &g.BundleName, &g.TotalMinutes, &g.RemainingMinutes, &g.ValidityDays,
		&g.PurchasedAt, &g.ExpiresAt, &g.Status, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	return &g, nil
}

// FindGrantsByOwner returns all of an owner's grants, earliest expiry first.
func (r *PostgresRepository) FindGrantsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.CreditGrant, error) {
	query := `
		SELECT id, owner_id, bundle_name, total_minutes, remaining_minutes, validity_days, purchased_at, expires_at, status, created_at, updated_at
		FROM credit_grants
		WHERE owner_id = $1
		ORDER BY expires_at, purchased_at, id
	`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []domain.CreditGrant
	for rows.Next() {
		var g domain.CreditGrant
		if err := rows.Scan(
			&g.ID, &g.OwnerID, &g.BundleName, &g.TotalMinutes, &g.RemainingMinutes, &g.ValidityDays,
			&g.PurchasedAt, &g.ExpiresAt, &g.Status, &g.CreatedAt, &g.UpdatedAt,
		); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// SumAvailableMinutes computes the owner's balance. The expiry comparison uses
// the caller's asOf, so grants past expiry never count even before the sweep.
func (r *PostgresRepository) SumAvailableMinutes(ctx context.Context, ownerID uuid.UUID, asOf time.Time) (int, error) {
	var minutes int
	query := `
		SELECT COALESCE(SUM(remaining_minutes), 0)
		FROM credit_grants
		WHERE owner_id = $1 AND status = 'active' AND expires_at > $2
	`
	if err := r.db.QueryRow(ctx, query, ownerID, asOf).Scan(&minutes); err != nil {
		return 0, err
	}
	return minutes, nil
}

// ConsumeCredits atomically debits minutesNeeded across the owner's eligible
// grants, earliest expiry first. All-or-nothing: on insufficient balance no
// grant is touched and domain.ErrInsufficientCredit is returned.
func (r *PostgresRepository) ConsumeCredits(ctx context.Context, ownerID uuid.UUID, minutesNeeded int, asOf time.Time) (*domain.ConsumptionResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin consume: %w", err)
	}
	defer tx.Rollback(ctx)

	grants, err := lockGrantsForOwner(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}

	allocations, err := domain.AllocateMinutes(grants, minutesNeeded, asOf)
	if err != nil {
		return nil, err
	}

	if err := applyAllocations(ctx, tx, allocations); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return &domain.ConsumptionResult{
		OwnerID:      ownerID,
		TotalMinutes: minutesNeeded,
		Allocations:  allocations,
	}, nil
}

// RefundCredits reverses a prior consumption. Minutes belonging to grants that
// have expired since the original debit are forfeited, never moved elsewhere.
// An exhausted grant that regains minutes returns to active.
func (r *PostgresRepository) RefundCredits(ctx context.Context, allocations []domain.GrantAllocation, asOf time.Time) error {
	if len(allocations) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE credit_grants
		SET remaining_minutes = remaining_minutes + $2,
		    status = 'active',
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('active', 'exhausted') AND expires_at > $3
	`
	for _, a := range allocations {
		if a.Minutes <= 0 {
			continue
		}
		if _, err := tx.Exec(ctx, query, a.GrantID, a.Minutes, asOf); err != nil {
			return fmt.Errorf("refund grant %s: %w", a.GrantID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit refund: %w", err)
	}
	return nil
}

// ActivateCreditGrant flips a pending (purchase-settled) grant to active and
// starts its expiry clock from the settlement instant.
func (r *PostgresRepository) ActivateCreditGrant(ctx context.Context, grantID uuid.UUID, activatedAt time.Time) error {
	query := `
		UPDATE credit_grants
		SET status = 'active',
		    purchased_at = $2,
		    expires_at = $2 + make_interval(days => validity_days),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, grantID, activatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// VoidPendingGrant retires a pending grant whose purchase failed.
func (r *PostgresRepository) VoidPendingGrant(ctx context.Context, grantID uuid.UUID) error {
	query := `
		UPDATE credit_grants
		SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	_, err := r.db.Exec(ctx, query, grantID)
	return err
}

// MarkExpiredGrants is the sweep: any active grant past its expiry becomes
// expired regardless of remaining balance. Returns the number of rows swept.
func (r *PostgresRepository) MarkExpiredGrants(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE credit_grants
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND expires_at <= $1
	`
	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func lockGrantsForOwner(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID) ([]domain.CreditGrant, error) {
	query := `
		SELECT id, owner_id, bundle_name, total_minutes, remaining_minutes, validity_days, purchased_at, expires_at, status, created_at, updated_at
		FROM credit_grants
		WHERE owner_id = $1 AND status = 'active'
		ORDER BY expires_at, purchased_at, id
		FOR UPDATE
	`
	rows, err := tx.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("lock grants: %w", err)
	}
	defer rows.Close()

	var grants []domain.CreditGrant
	for rows.Next() {
		var g domain.CreditGrant
		if err := rows.Scan(
			&g.ID, &g.OwnerID, &g.BundleName, &g.TotalMinutes, &g.RemainingMinutes, &g.ValidityDays,
			&g.PurchasedAt, &g.ExpiresAt, &g.Status, &g.CreatedAt, &g.UpdatedAt,
		); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func applyAllocations(ctx context.Context, tx pgx.Tx, allocations []domain.GrantAllocation) error {
	query := `
		UPDATE credit_grants
		SET remaining_minutes = remaining_minutes - $2,
		    status = CASE WHEN remaining_minutes - $2 = 0 THEN 'exhausted' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND remaining_minutes >= $2
	`
	for _, a := range allocations {
		tag, err := tx.Exec(ctx, query, a.GrantID, a.Minutes)
		if err != nil {
			return fmt.Errorf("debit grant %s: %w", a.GrantID, err)
		}
		if tag.RowsAffected() == 0 {
			// The plan was computed against rows locked in this transaction,
			// so a miss here means the grant vanished underneath us.
			return fmt.Errorf("debit grant %s: %w", a.GrantID, ErrGrantNotFound)
		}
	}
	return nil
}
