/**
 * @description
 * This file defines the `Repository` interface: the contract for all data access
 * the settlement engine needs. The interface decouples the business logic from
 * the PostgreSQL implementation and lets the app-layer tests substitute stubs.
 *
 * Every method that mutates financial state is a single-record atomic operation
 * scoped to one aggregate root (an owner's grant set, one booking, one earnings
 * batch, one transaction/disbursement). No method takes locks across two roots;
 * cross-aggregate flows are composed in internal/app as sequenced atomic steps.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Aggregate identifiers.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pola/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Pricing catalog
	GetPricingRule(ctx context.Context, serviceType domain.ServiceType) (*domain.PricingRule, error)
	ListPricingRules(ctx context.Context) ([]domain.PricingRule, error)
	UpsertPricingRule(ctx context.Context, rule domain.PricingRule) error

	// Credit wallet. ConsumeCredits and RefundCredits are atomic over the
	// owner's grant rows; concurrent consumes against one owner serialize on
	// those row locks while different owners proceed independently.
	CreateCreditGrant(ctx context.Context, grant *domain.CreditGrant) error
	FindCreditGrantByID(ctx context.Context, grantID uuid.UUID) (*domain.CreditGrant, error)
	FindGrantsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.CreditGrant, error)
	SumAvailableMinutes(ctx context.Context, ownerID uuid.UUID, asOf time.Time) (int, error)
	ConsumeCredits(ctx context.Context, ownerID uuid.UUID, minutesNeeded int, asOf time.Time) (*domain.ConsumptionResult, error)
	RefundCredits(ctx context.Context, allocations []domain.GrantAllocation, asOf time.Time) error
	ActivateCreditGrant(ctx context.Context, grantID uuid.UUID, activatedAt time.Time) error
	VoidPendingGrant(ctx context.Context, grantID uuid.UUID) error
	MarkExpiredGrants(ctx context.Context, now time.Time) (int64, error)

	// Bookings
	CreateBooking(ctx context.Context, booking *domain.Booking) error
	FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error)
	ConfirmBooking(ctx context.Context, bookingID uuid.UUID) error
	CancelBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error)
	// CompleteBookingWithEarnings transitions confirmed -> completed and inserts
	// the booking's single earnings entry in one transaction. Completing an
	// already-completed booking returns the stored result with Replayed set.
	CompleteBookingWithEarnings(ctx context.Context, bookingID uuid.UUID, actualMinutes int, gross, platformCommission, payeeEarnings int64) (*domain.CompletionResult, error)

	// Earnings ledger
	FindEarningsEntryByBookingID(ctx context.Context, bookingID uuid.UUID) (*domain.EarningsEntry, error)
	ListUnpaidEarnings(ctx context.Context, payeeID uuid.UUID) ([]domain.EarningsEntry, error)
	ListEarningsByPayee(ctx context.Context, payeeID uuid.UUID) ([]domain.EarningsEntry, error)
	// MarkEarningsPaid fails the whole batch if any entry is already paid.
	MarkEarningsPaid(ctx context.Context, entryIDs []uuid.UUID, disbursementID uuid.UUID, paidAt time.Time) error

	// Disbursements
	// CreateDisbursementForEntries validates that every entry belongs to the
	// payee, is unpaid, and is not reserved by another non-terminal
	// disbursement, sums their net earnings into d.Amount, and links them.
	CreateDisbursementForEntries(ctx context.Context, d *domain.Disbursement, entryIDs []uuid.UUID) error
	FindDisbursementByID(ctx context.Context, id uuid.UUID) (*domain.Disbursement, error)
	FindDisbursementByGatewayTransactionID(ctx context.Context, gatewayTransactionID string) (*domain.Disbursement, error)
	FindDisbursementByExternalReference(ctx context.Context, externalReference string) (*domain.Disbursement, error)
	MarkDisbursementProcessing(ctx context.Context, id uuid.UUID, gatewayTransactionID *string) (bool, error)
	// ResolveDisbursementSuccess completes the disbursement and marks its linked
	// earnings paid in one transaction; the payout batch is keyed by the
	// disbursement id. Returns false without mutation when already terminal.
	ResolveDisbursementSuccess(ctx context.Context, id uuid.UUID, gatewayTransactionID *string, completedAt time.Time) (bool, error)
	ResolveDisbursementFailure(ctx context.Context, id uuid.UUID, gatewayTransactionID *string, reason string, processedAt time.Time) (bool, error)
	ListEntryIDsForDisbursement(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)

	// Inbound transactions
	CreateInboundTransaction(ctx context.Context, txn *domain.InboundTransaction) error
	FindInboundTransactionByID(ctx context.Context, id uuid.UUID) (*domain.InboundTransaction, error)
	FindInboundTransactionByGatewayTransactionID(ctx context.Context, gatewayTransactionID string) (*domain.InboundTransaction, error)
	FindInboundTransactionByGatewayReference(ctx context.Context, gatewayReference string) (*domain.InboundTransaction, error)
	// ResolveInboundTransaction applies the terminal transition as one guarded
	// update; only the caller that wins the race (true return) fires side
	// effects as subsequent atomic steps.
	ResolveInboundTransaction(ctx context.Context, id uuid.UUID, gatewayTransactionID *string, status domain.TransactionStatus, reason *string) (bool, error)

	// Reconciliation audit
	RecordReconciliationConflict(ctx context.Context, conflict *domain.ReconciliationConflict) error
	ListReconciliationConflicts(ctx context.Context, limit int) ([]domain.ReconciliationConflict, error)
}
