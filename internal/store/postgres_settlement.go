/**
 * @description
 * PostgreSQL implementation of the payment-side methods: disbursements, inbound
 * transactions, and the reconciliation-conflict audit log.
 *
 * Terminal states are immutable here by construction: every resolving update is
 * guarded with `WHERE status IN ('pending', 'processing')` (or 'pending' alone
 * for inbound transactions), so two concurrent deliveries of the same callback
 * can race but only one observes the non-terminal state and wins.
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

const disbursementColumns = `
	id, payee_id, amount, destination_account, channel, status,
	external_reference, gateway_transaction_id, failure_reason, initiated_by,
	created_at, processed_at, completed_at
`

func scanDisbursement(row pgx.Row) (*domain.Disbursement, error) {
	var d domain.Disbursement
	err := row.Scan(
		&d.ID, &d.PayeeID, &d.Amount, &d.DestinationAccount, &d.Channel, &d.Status,
		&d.ExternalReference, &d.GatewayTransactionID, &d.FailureReason, &d.InitiatedBy,
		&d.CreatedAt, &d.ProcessedAt, &d.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDisbursementNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDisbursementForEntries creates a pending disbursement covering the
// selected unpaid entries and reserves them against double-batching. The
// entries' paid_out/disbursement_id fields stay untouched until the payout's
// success callback resolves.
func (r *PostgresRepository) CreateDisbursementForEntries(ctx context.Context, d *domain.Disbursement, entryIDs []uuid.UUID) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create disbursement: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, payee_id, net_earnings, paid_out FROM earnings_entries WHERE id = ANY($1) FOR UPDATE`,
		entryIDs)
	if err != nil {
		return fmt.Errorf("lock earnings entries: %w", err)
	}
	var total int64
	seen := make(map[uuid.UUID]bool, len(entryIDs))
	for rows.Next() {
		var id, payeeID uuid.UUID
		var net int64
		var paid bool
		if err := rows.Scan(&id, &payeeID, &net, &paid); err != nil {
			rows.Close()
			return err
		}
		if payeeID != d.PayeeID {
			rows.Close()
			return fmt.Errorf("entry %s: %w", id, ErrEarningsBatchMismatch)
		}
		if paid {
			rows.Close()
			return fmt.Errorf("entry %s: %w", id, ErrEarningsAlreadyPaid)
		}
		total += net
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

	// Reject entries already reserved by another live payout.
	var reserved int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM disbursement_entries de
		JOIN disbursements db ON db.id = de.disbursement_id
		WHERE de.entry_id = ANY($1) AND db.status IN ('pending', 'processing')
	`, entryIDs).Scan(&reserved)
	if err != nil {
		return fmt.Errorf("check entry reservations: %w", err)
	}
	if reserved > 0 {
		return ErrEntriesAlreadyBatched
	}

	d.Amount = total
	d.Status = domain.DisbursementPending
	err = tx.QueryRow(ctx, `
		INSERT INTO disbursements (id, payee_id, amount, destination_account, channel, status, external_reference, initiated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, NOW())
		RETURNING created_at
	`, d.ID, d.PayeeID, d.Amount, d.DestinationAccount, string(d.Channel), d.ExternalReference, d.InitiatedBy,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert disbursement: %w", err)
	}

	for _, id := range entryIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO disbursement_entries (disbursement_id, entry_id) VALUES ($1, $2)`,
			d.ID, id); err != nil {
			return fmt.Errorf("link entry %s: %w", id, err)
		}
	}

	return tx.Commit(ctx)
}

// FindDisbursementByID retrieves one disbursement.
func (r *PostgresRepository) FindDisbursementByID(ctx context.Context, id uuid.UUID) (*domain.Disbursement, error) {
	return scanDisbursement(r.db.QueryRow(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE id = $1`, id))
}

// FindDisbursementByGatewayTransactionID looks a disbursement up by the
// gateway's own id, the primary reconciliation key.
func (r *PostgresRepository) FindDisbursementByGatewayTransactionID(ctx context.Context, gatewayTransactionID string) (*domain.Disbursement, error) {
	return scanDisbursement(r.db.QueryRow(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE gateway_transaction_id = $1`, gatewayTransactionID))
}

// FindDisbursementByExternalReference looks a disbursement up by the reference
// we generated at initiation, the fallback reconciliation key.
func (r *PostgresRepository) FindDisbursementByExternalReference(ctx context.Context, externalReference string) (*domain.Disbursement, error) {
	return scanDisbursement(r.db.QueryRow(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE external_reference = $1`, externalReference))
}

// MarkDisbursementProcessing transitions pending -> processing, learning the
// gateway transaction id when one is supplied. Returns false when the record
// was not pending (already processing or terminal).
func (r *PostgresRepository) MarkDisbursementProcessing(ctx context.Context, id uuid.UUID, gatewayTransactionID *string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE disbursements
		SET status = 'processing',
		    gateway_transaction_id = COALESCE(gateway_transaction_id, $2),
		    processed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, gatewayTransactionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveDisbursementSuccess completes the payout and marks its linked earnings
// paid in one transaction. Returns false without mutation when the disbursement
// is already terminal.
func (r *PostgresRepository) ResolveDisbursementSuccess(ctx context.Context, id uuid.UUID, gatewayTransactionID *string, completedAt time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin resolve disbursement: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE disbursements
		SET status = 'completed',
		    gateway_transaction_id = COALESCE(gateway_transaction_id, $2),
		    completed_at = $3,
		    failure_reason = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, gatewayTransactionID, completedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	entryIDs, err := listEntryIDsTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if len(entryIDs) > 0 {
		if err := markEarningsPaidTx(ctx, tx, entryIDs, id, completedAt); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit resolve disbursement: %w", err)
	}
	return true, nil
}

// ResolveDisbursementFailure moves a live payout to failed with a reason.
// Returns false without mutation when the record is already terminal.
func (r *PostgresRepository) ResolveDisbursementFailure(ctx context.Context, id uuid.UUID, gatewayTransactionID *string, reason string, processedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE disbursements
		SET status = 'failed',
		    gateway_transaction_id = COALESCE(gateway_transaction_id, $2),
		    failure_reason = $3,
		    processed_at = $4
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, gatewayTransactionID, reason, processedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListEntryIDsForDisbursement returns the earnings entries a payout covers.
func (r *PostgresRepository) ListEntryIDsForDisbursement(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT entry_id FROM disbursement_entries WHERE disbursement_id = $1 ORDER BY entry_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var entryID uuid.UUID
		if err := rows.Scan(&entryID); err != nil {
			return nil, err
		}
		ids = append(ids, entryID)
	}
	return ids, rows.Err()
}

func listEntryIDsTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx,
		`SELECT entry_id FROM disbursement_entries WHERE disbursement_id = $1 ORDER BY entry_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var entryID uuid.UUID
		if err := rows.Scan(&entryID); err != nil {
			return nil, err
		}
		ids = append(ids, entryID)
	}
	return ids, rows.Err()
}

const inboundColumns = `
	id, user_id, kind, amount, status, gateway_reference, gateway_transaction_id,
	related_entity_id, failure_reason, created_at, updated_at
`

func scanInbound(row pgx.Row) (*domain.InboundTransaction, error) {
	var t domain.InboundTransaction
	err := row.Scan(
		&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Status, &t.GatewayReference, &t.GatewayTransactionID,
		&t.RelatedEntityID, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CreateInboundTransaction records a pending purchase before the gateway
// checkout is requested; gateway_reference is the idempotency key it echoes.
func (r *PostgresRepository) CreateInboundTransaction(ctx context.Context, txn *domain.InboundTransaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	query := `
		INSERT INTO inbound_transactions (id, user_id, kind, amount, status, gateway_reference, gateway_transaction_id, related_entity_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		txn.ID, txn.UserID, string(txn.Kind), txn.Amount, string(txn.Status),
		txn.GatewayReference, txn.GatewayTransactionID, txn.RelatedEntityID,
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
}

// FindInboundTransactionByID retrieves one inbound transaction.
func (r *PostgresRepository) FindInboundTransactionByID(ctx context.Context, id uuid.UUID) (*domain.InboundTransaction, error) {
	return scanInbound(r.db.QueryRow(ctx,
		`SELECT `+inboundColumns+` FROM inbound_transactions WHERE id = $1`, id))
}

// FindInboundTransactionByGatewayTransactionID looks up by the gateway's id.
func (r *PostgresRepository) FindInboundTransactionByGatewayTransactionID(ctx context.Context, gatewayTransactionID string) (*domain.InboundTransaction, error) {
	return scanInbound(r.db.QueryRow(ctx,
		`SELECT `+inboundColumns+` FROM inbound_transactions WHERE gateway_transaction_id = $1`, gatewayTransactionID))
}

// FindInboundTransactionByGatewayReference looks up by the reference supplied
// at checkout.
func (r *PostgresRepository) FindInboundTransactionByGatewayReference(ctx context.Context, gatewayReference string) (*domain.InboundTransaction, error) {
	return scanInbound(r.db.QueryRow(ctx,
		`SELECT `+inboundColumns+` FROM inbound_transactions WHERE gateway_reference = $1`, gatewayReference))
}

// ResolveInboundTransaction applies the terminal transition as a single guarded
// update. Only the winner (true return) fires side effects.
func (r *PostgresRepository) ResolveInboundTransaction(ctx context.Context, id uuid.UUID, gatewayTransactionID *string, status domain.TransactionStatus, reason *string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("resolve inbound %s: %q is not a terminal status", id, status)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE inbound_transactions
		SET status = $2,
		    gateway_transaction_id = COALESCE(gateway_transaction_id, $3),
		    failure_reason = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), gatewayTransactionID, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordReconciliationConflict persists an audit row for a callback that
// disagreed with an already-terminal local record.
func (r *PostgresRepository) RecordReconciliationConflict(ctx context.Context, conflict *domain.ReconciliationConflict) error {
	if conflict.ID == uuid.Nil {
		conflict.ID = uuid.New()
	}
	query := `
		INSERT INTO reconciliation_conflicts (id, record_type, record_id, gateway_transaction_id, local_status, reported_outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		conflict.ID, conflict.RecordType, conflict.RecordID, conflict.GatewayTransactionID,
		conflict.LocalStatus, conflict.ReportedOutcome, conflict.Detail,
	).Scan(&conflict.CreatedAt)
}

// ListReconciliationConflicts returns the newest audit rows for manual review.
func (r *PostgresRepository) ListReconciliationConflicts(ctx context.Context, limit int) ([]domain.ReconciliationConflict, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, record_type, record_id, gateway_transaction_id, local_status, reported_outcome, detail, created_at
		FROM reconciliation_conflicts
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []domain.ReconciliationConflict
	for rows.Next() {
		var c domain.ReconciliationConflict
		if err := rows.Scan(
			&c.ID, &c.RecordType, &c.RecordID, &c.GatewayTransactionID,
			&c.LocalStatus, &c.ReportedOutcome, &c.Detail, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}
