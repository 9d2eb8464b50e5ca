/**
 * @description
 * Payout initiation and gateway callback reconciliation.
 *
 * Callbacks are at-least-once and unordered, so every transition they drive is
 * a guarded single-statement update in the repository: the caller that wins
 * the race fires side effects, everyone else observes a no-op. A callback that
 * disagrees with a record already in the opposite terminal state never mutates
 * it; it is recorded as a reconciliation conflict for manual review.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Settlement event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pola/settlement-service/internal/domain"
	"github.com/pola/settlement-service/internal/store"
	"github.com/pola/settlement-service/pkg/azampay"
	"github.com/pola/settlement-service/pkg/rabbitmq"
)

// ListUnpaidEarnings returns the payee's accrued, not-yet-paid entries.
func (s *Service) ListUnpaidEarnings(ctx context.Context, payeeID uuid.UUID) ([]domain.EarningsEntry, error) {
	return s.repo.ListUnpaidEarnings(ctx, payeeID)
}

// ListEarningsByPayee returns the payee's full earnings statement.
func (s *Service) ListEarningsByPayee(ctx context.Context, payeeID uuid.UUID) ([]domain.EarningsEntry, error) {
	return s.repo.ListEarningsByPayee(ctx, payeeID)
}

// GetDisbursement returns one disbursement.
func (s *Service) GetDisbursement(ctx context.Context, id uuid.UUID) (*domain.Disbursement, error) {
	return s.repo.FindDisbursementByID(ctx, id)
}

// ListReconciliationConflicts returns the newest conflict audit rows.
func (s *Service) ListReconciliationConflicts(ctx context.Context, limit int) ([]domain.ReconciliationConflict, error) {
	return s.repo.ListReconciliationConflicts(ctx, limit)
}

// gatewayProvider maps a payout channel onto the provider name the gateway
// expects.
func gatewayProvider(channel domain.PayoutChannel) (string, error) {
	switch channel {
	case domain.ChannelMpesa:
		return "Mpesa", nil
	case domain.ChannelTigoPesa:
		return "Tigo", nil
	case domain.ChannelAirtelMoney:
		return "Airtel", nil
	case domain.ChannelHaloPesa:
		return "Halopesa", nil
	case domain.ChannelBankTransfer:
		return "Bank", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedChannel, channel)
}

// InitiateDisbursement batches the selected unpaid earnings entries into one
// payout and sends it to the gateway. The entries stay unpaid until the
// success callback lands; they are only reserved against double-batching.
func (s *Service) InitiateDisbursement(ctx context.Context, initiatedBy *uuid.UUID, req domain.CreateDisbursementRequest) (*domain.Disbursement, error) {
	provider, err := gatewayProvider(req.Channel)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &domain.Disbursement{
		ID:                 uuid.New(),
		PayeeID:            req.PayeeID,
		DestinationAccount: req.DestinationAccount,
		Channel:            req.Channel,
		ExternalReference:  domain.NewDisbursementReference(now),
		InitiatedBy:        initiatedBy,
	}

	// The repository validates ownership, unpaid status and reservation, and
	// sums the batch into d.Amount.
	if err := s.repo.CreateDisbursementForEntries(ctx, d, req.EntryIDs); err != nil {
		return nil, fmt.Errorf("failed to create disbursement: %w", err)
	}

	if d.Amount < MinDisbursementAmount {
		reason := fmt.Sprintf("amount %s below minimum %s", domain.FormatAmount(d.Amount), domain.FormatAmount(MinDisbursementAmount))
		if _, failErr := s.repo.ResolveDisbursementFailure(ctx, d.ID, nil, reason, now); failErr != nil {
			log.Printf("CRITICAL: InitiateDisbursement: failed to abort undersized disbursement %s: %v", d.ID, failErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrBelowMinimumPayout, domain.FormatAmount(d.Amount))
	}

	log.Printf("InitiateDisbursement: disbursement=%s payee=%s amount=%s entries=%d reference=%s",
		d.ID, d.PayeeID, domain.FormatAmount(d.Amount), len(req.EntryIDs), d.ExternalReference)

	remarks := fmt.Sprintf("Consultation earnings payout %s", d.ExternalReference)
	resp, err := s.gateway.Disburse(ctx, d.DestinationAccount, provider, d.ExternalReference, remarks, d.Amount)
	if err != nil {
		var apiErr *azampay.Error
		if errors.As(err, &apiErr) {
			// Explicit rejection: the gateway will never execute this payout.
			// Failing the record releases the entries for a later batch.
			if _, failErr := s.repo.ResolveDisbursementFailure(ctx, d.ID, nil, apiErr.Error(), time.Now().UTC()); failErr != nil {
				log.Printf("CRITICAL: InitiateDisbursement: failed to mark disbursement %s failed after gateway rejection: %v", d.ID, failErr)
			}
			return nil, fmt.Errorf("gateway disburse rejected: %w", err)
		}
		// Transport failure: the gateway may have accepted the payout even
		// though we never saw the response. The record stays pending with its
		// entries reserved until a callback settles it.
		log.Printf("WARN: InitiateDisbursement: disbursement %s left pending after transport error: %v", d.ID, err)
		return nil, fmt.Errorf("gateway disburse failed: %w", err)
	}

	var gatewayTxnID *string
	if resp.TransactionID != "" {
		gatewayTxnID = &resp.TransactionID
	}
	if _, err := s.repo.MarkDisbursementProcessing(ctx, d.ID, gatewayTxnID); err != nil {
		log.Printf("WARN: InitiateDisbursement: failed to mark disbursement %s processing: %v", d.ID, err)
	}

	return s.repo.FindDisbursementByID(ctx, d.ID)
}

// RetryDisbursement re-runs a failed payout as a fresh disbursement over the
// same earnings entries. The failed record stays terminal; the new one gets
// its own reference.
func (s *Service) RetryDisbursement(ctx context.Context, id uuid.UUID, initiatedBy *uuid.UUID) (*domain.Disbursement, error) {
	previous, err := s.repo.FindDisbursementByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if previous.Status != domain.DisbursementFailed {
		return nil, store.ErrDisbursementNotRetryable
	}

	entryIDs, err := s.repo.ListEntryIDsForDisbursement(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries for disbursement %s: %w", id, err)
	}
	if len(entryIDs) == 0 {
		return nil, store.ErrEarningsEntryNotFound
	}

	log.Printf("RetryDisbursement: retrying failed disbursement=%s entries=%d", id, len(entryIDs))
	return s.InitiateDisbursement(ctx, initiatedBy, domain.CreateDisbursementRequest{
		PayeeID:            previous.PayeeID,
		EntryIDs:           entryIDs,
		DestinationAccount: previous.DestinationAccount,
		Channel:            previous.Channel,
	})
}

// ApplyCallback reconciles one normalized gateway callback against local
// state. Lookup order: disbursement by gateway transaction id, disbursement by
// external reference, inbound transaction by gateway transaction id, inbound
// transaction by gateway reference. Unmatched callbacks are an error so the
// transport can redeliver an early arrival.
func (s *Service) ApplyCallback(ctx context.Context, event domain.CallbackEvent) error {
	if event.Outcome == domain.OutcomeUnknown {
		log.Printf("WARN: ApplyCallback: dropping callback with unknown outcome gateway_txn=%s reference=%s", event.GatewayTransactionID, event.ExternalReference)
		return nil
	}

	if event.GatewayTransactionID != "" {
		d, err := s.repo.FindDisbursementByGatewayTransactionID(ctx, event.GatewayTransactionID)
		if err == nil {
			return s.applyDisbursementCallback(ctx, d, event)
		}
		if !errors.Is(err, store.ErrDisbursementNotFound) {
			return err
		}
	}
	if event.ExternalReference != "" {
		d, err := s.repo.FindDisbursementByExternalReference(ctx, event.ExternalReference)
		if err == nil {
			return s.applyDisbursementCallback(ctx, d, event)
		}
		if !errors.Is(err, store.ErrDisbursementNotFound) {
			return err
		}
	}
	if event.GatewayTransactionID != "" {
		txn, err := s.repo.FindInboundTransactionByGatewayTransactionID(ctx, event.GatewayTransactionID)
		if err == nil {
			return s.applyInboundCallback(ctx, txn, event)
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return err
		}
	}
	if event.ExternalReference != "" {
		txn, err := s.repo.FindInboundTransactionByGatewayReference(ctx, event.ExternalReference)
		if err == nil {
			return s.applyInboundCallback(ctx, txn, event)
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return err
		}
	}

	log.Printf("WARN: ApplyCallback: no match for callback gateway_txn=%s reference=%s", event.GatewayTransactionID, event.ExternalReference)
	return fmt.Errorf("%w: gateway_txn=%s reference=%s", ErrCallbackTargetNotFound, event.GatewayTransactionID, event.ExternalReference)
}

func (s *Service) applyDisbursementCallback(ctx context.Context, d *domain.Disbursement, event domain.CallbackEvent) error {
	gatewayTxnID := optionalString(event.GatewayTransactionID)

	switch event.Outcome {
	case domain.OutcomePending:
		if _, err := s.repo.MarkDisbursementProcessing(ctx, d.ID, gatewayTxnID); err != nil {
			return err
		}
		return nil

	case domain.OutcomeSuccess:
		won, err := s.repo.ResolveDisbursementSuccess(ctx, d.ID, gatewayTxnID, event.Timestamp)
		if err != nil {
			return err
		}
		if !won {
			current, findErr := s.repo.FindDisbursementByID(ctx, d.ID)
			if findErr != nil {
				return findErr
			}
			return s.recordConflictIfMismatch(ctx, "disbursement", d.ID, string(current.Status), event, current.Status == domain.DisbursementCompleted)
		}
		log.Printf("ApplyCallback: disbursement=%s completed amount=%s", d.ID, domain.FormatAmount(d.Amount))
		if s.eventProducer != nil {
			completed := rabbitmq.DisbursementCompletedEvent{
				DisbursementID:    d.ID,
				PayeeID:           d.PayeeID,
				Amount:            d.Amount,
				ExternalReference: d.ExternalReference,
				Timestamp:         event.Timestamp,
			}
			if err := s.eventProducer.Publish(ctx, rabbitmq.SettlementExchange, rabbitmq.RoutingKeyDisbursementComplete, completed); err != nil {
				log.Printf("WARN: ApplyCallback: failed to publish disbursement completion event for %s: %v", d.ID, err)
			}
		}
		return nil

	case domain.OutcomeFailed:
		reason := event.Reason
		if reason == "" {
			reason = "gateway reported failure"
		}
		won, err := s.repo.ResolveDisbursementFailure(ctx, d.ID, gatewayTxnID, reason, event.Timestamp)
		if err != nil {
			return err
		}
		if !won {
			current, findErr := s.repo.FindDisbursementByID(ctx, d.ID)
			if findErr != nil {
				return findErr
			}
			return s.recordConflictIfMismatch(ctx, "disbursement", d.ID, string(current.Status), event, current.Status == domain.DisbursementFailed)
		}
		log.Printf("ApplyCallback: disbursement=%s failed reason=%q", d.ID, reason)
		return nil
	}
	return nil
}

func (s *Service) applyInboundCallback(ctx context.Context, txn *domain.InboundTransaction, event domain.CallbackEvent) error {
	gatewayTxnID := optionalString(event.GatewayTransactionID)

	switch event.Outcome {
	case domain.OutcomePending:
		// Nothing to advance; the record is already pending or terminal.
		return nil

	case domain.OutcomeSuccess:
		won, err := s.repo.ResolveInboundTransaction(ctx, txn.ID, gatewayTxnID, domain.TransactionCompleted, nil)
		if err != nil {
			return err
		}
		if !won {
			current, findErr := s.repo.FindInboundTransactionByID(ctx, txn.ID)
			if findErr != nil {
				return findErr
			}
			if current.Status == domain.TransactionCompleted {
				// Agreeing replay. A previous delivery may have resolved the
				// transaction and then crashed before the side effect landed,
				// so re-run it; activation and confirmation are status-guarded
				// and collapse to no-ops when the work is already done.
				return s.settleInboundSuccess(ctx, current, event)
			}
			return s.recordConflictIfMismatch(ctx, "inbound_transaction", txn.ID, string(current.Status), event, false)
		}
		log.Printf("ApplyCallback: transaction=%s completed kind=%s amount=%s", txn.ID, txn.Kind, domain.FormatAmount(txn.Amount))
		return s.settleInboundSuccess(ctx, txn, event)

	case domain.OutcomeFailed:
		reason := optionalString(event.Reason)
		won, err := s.repo.ResolveInboundTransaction(ctx, txn.ID, gatewayTxnID, domain.TransactionFailed, reason)
		if err != nil {
			return err
		}
		if !won {
			current, findErr := s.repo.FindInboundTransactionByID(ctx, txn.ID)
			if findErr != nil {
				return findErr
			}
			return s.recordConflictIfMismatch(ctx, "inbound_transaction", txn.ID, string(current.Status), event, current.Status == domain.TransactionFailed)
		}
		log.Printf("ApplyCallback: transaction=%s failed kind=%s reason=%q", txn.ID, txn.Kind, event.Reason)
		if txn.RelatedEntityID != nil {
			switch txn.Kind {
			case domain.KindCallCredit:
				if err := s.repo.VoidPendingGrant(ctx, *txn.RelatedEntityID); err != nil {
					log.Printf("CRITICAL: ApplyCallback: failed to void grant %s after payment failure: %v", *txn.RelatedEntityID, err)
				}
			case domain.KindConsultation:
				if _, err := s.repo.CancelBooking(ctx, *txn.RelatedEntityID); err != nil {
					log.Printf("CRITICAL: ApplyCallback: failed to cancel booking %s after fee payment failure: %v", *txn.RelatedEntityID, err)
				}
			}
		}
		return nil
	}
	return nil
}

// settleInboundSuccess fires the side effects of a settled inbound payment.
// Credit purchases activate the pending grant, which starts its expiry clock;
// consultation fees confirm the physical booking they paid for.
func (s *Service) settleInboundSuccess(ctx context.Context, txn *domain.InboundTransaction, event domain.CallbackEvent) error {
	if txn.RelatedEntityID == nil {
		return nil
	}

	if txn.Kind == domain.KindConsultation {
		bookingID := *txn.RelatedEntityID
		if err := s.repo.ConfirmBooking(ctx, bookingID); err != nil {
			if errors.Is(err, store.ErrInvalidBookingState) {
				// Already confirmed, or cancelled before the payment settled.
				log.Printf("WARN: ApplyCallback: fee for booking %s settled but booking is no longer pending", bookingID)
				return nil
			}
			log.Printf("CRITICAL: ApplyCallback: payment %s settled but booking %s confirmation failed: %v", txn.ID, bookingID, err)
			return fmt.Errorf("failed to confirm booking %s: %w", bookingID, err)
		}
		log.Printf("ApplyCallback: confirmed booking=%s on fee settlement", bookingID)
		return nil
	}
	if txn.Kind != domain.KindCallCredit {
		return nil
	}

	grantID := *txn.RelatedEntityID
	activatedAt := event.Timestamp
	if activatedAt.IsZero() {
		activatedAt = time.Now().UTC()
	}
	if err := s.repo.ActivateCreditGrant(ctx, grantID, activatedAt); err != nil {
		if errors.Is(err, store.ErrGrantNotFound) {
			if grant, findErr := s.repo.FindCreditGrantByID(ctx, grantID); findErr == nil && grant.Status != domain.GrantPending {
				// Activated by an earlier delivery, or voided before the
				// payment settled. Nothing left to redo.
				log.Printf("WARN: ApplyCallback: grant %s is %s, activation skipped", grantID, grant.Status)
				return nil
			}
		}
		log.Printf("CRITICAL: ApplyCallback: payment %s settled but grant %s activation failed: %v", txn.ID, grantID, err)
		return fmt.Errorf("failed to activate grant %s: %w", grantID, err)
	}
	log.Printf("ApplyCallback: activated grant=%s owner=%s", grantID, txn.UserID)

	if s.eventProducer != nil {
		grant, err := s.repo.FindCreditGrantByID(ctx, grantID)
		if err != nil {
			log.Printf("WARN: ApplyCallback: failed to reload grant %s for event: %v", grantID, err)
			return nil
		}
		activated := rabbitmq.CreditsActivatedEvent{
			GrantID:   grant.ID,
			OwnerID:   grant.OwnerID,
			Minutes:   grant.TotalMinutes,
			ExpiresAt: grant.ExpiresAt,
			Timestamp: activatedAt,
		}
		if err := s.eventProducer.Publish(ctx, rabbitmq.SettlementExchange, rabbitmq.RoutingKeyCreditsActivated, activated); err != nil {
			log.Printf("WARN: ApplyCallback: failed to publish credits activated event for grant %s: %v", grantID, err)
		}
	}
	return nil
}

// recordConflictIfMismatch is the loser path of a resolve race. Agreement with
// the existing terminal state is an idempotent replay; disagreement is audited
// without mutating the record.
func (s *Service) recordConflictIfMismatch(ctx context.Context, recordType string, recordID uuid.UUID, localStatus string, event domain.CallbackEvent, agrees bool) error {
	if agrees {
		return nil
	}
	conflict := &domain.ReconciliationConflict{
		RecordType:           recordType,
		RecordID:             recordID,
		GatewayTransactionID: event.GatewayTransactionID,
		LocalStatus:          localStatus,
		ReportedOutcome:      string(event.Outcome),
		Detail:               event.Reason,
	}
	if err := s.repo.RecordReconciliationConflict(ctx, conflict); err != nil {
		return fmt.Errorf("failed to record reconciliation conflict for %s %s: %w", recordType, recordID, err)
	}
	log.Printf("WARN: ApplyCallback: conflict recorded %s=%s local_status=%s reported=%s", recordType, recordID, localStatus, event.Outcome)
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
