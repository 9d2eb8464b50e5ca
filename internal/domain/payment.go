/**
 * @description
 * Payment-side domain models: outbound disbursements (payouts), inbound
 * transactions (purchases), the normalized gateway callback event, and the
 * reconciliation-conflict audit record.
 *
 * @notes
 * - externalReference (outbound) and gatewayReference (inbound) are the
 *   idempotency keys supplied to the gateway at initiation; the gateway's own
 *   transaction id is learned from its synchronous response or first callback.
 * - completed and failed are terminal and immutable once reached.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DisbursementStatus is the lifecycle state of a payout request.
type DisbursementStatus string

const (
	DisbursementPending    DisbursementStatus = "pending"
	DisbursementProcessing DisbursementStatus = "processing"
	DisbursementCompleted  DisbursementStatus = "completed"
	DisbursementFailed     DisbursementStatus = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s DisbursementStatus) Terminal() bool {
	return s == DisbursementCompleted || s == DisbursementFailed
}

// PayoutChannel is the rail a disbursement is sent over.
type PayoutChannel string

const (
	ChannelMpesa        PayoutChannel = "mpesa"
	ChannelTigoPesa     PayoutChannel = "tigo_pesa"
	ChannelAirtelMoney  PayoutChannel = "airtel_money"
	ChannelHaloPesa     PayoutChannel = "halopesa"
	ChannelBankTransfer PayoutChannel = "bank_transfer"
)

// Valid reports whether c is a supported payout channel.
func (c PayoutChannel) Valid() bool {
	switch c {
	case ChannelMpesa, ChannelTigoPesa, ChannelAirtelMoney, ChannelHaloPesa, ChannelBankTransfer:
		return true
	}
	return false
}

// Disbursement is one outbound payout transferring accrued earnings to a
// payee's external account.
type Disbursement struct {
	ID                   uuid.UUID          `json:"id"`
	PayeeID              uuid.UUID          `json:"payee_id"`
	Amount               int64              `json:"amount"` // in senti
	DestinationAccount   string             `json:"destination_account"`
	Channel              PayoutChannel      `json:"channel"`
	Status               DisbursementStatus `json:"status"`
	ExternalReference    string             `json:"external_reference"`
	GatewayTransactionID *string            `json:"gateway_transaction_id,omitempty"`
	FailureReason        *string            `json:"failure_reason,omitempty"`
	InitiatedBy          *uuid.UUID         `json:"initiated_by,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	ProcessedAt          *time.Time         `json:"processed_at,omitempty"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
}

// NewDisbursementReference generates the unique idempotency key sent to the
// gateway with a payout request.
func NewDisbursementReference(now time.Time) string {
	token := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("DISB_%d_%s", now.Unix(), token)
}

// TransactionKind classifies what an inbound payment is for.
type TransactionKind string

const (
	KindSubscription TransactionKind = "subscription"
	KindConsultation TransactionKind = "consultation"
	KindDocument     TransactionKind = "document"
	KindMaterial     TransactionKind = "material"
	KindCallCredit   TransactionKind = "call_credit"
)

// Valid reports whether k is a supported inbound transaction kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindSubscription, KindConsultation, KindDocument, KindMaterial, KindCallCredit:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of an inbound transaction.
// Both completed and failed are terminal.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionCompleted || s == TransactionFailed
}

// InboundTransaction is money coming in: a subscription, credit purchase,
// consultation fee, or document/material purchase. RelatedEntityID links to the
// record the settlement side effect applies to (a CreditGrant, a Booking, ...).
type InboundTransaction struct {
	ID                   uuid.UUID         `json:"id"`
	UserID               uuid.UUID         `json:"user_id"`
	Kind                 TransactionKind   `json:"kind"`
	Amount               int64             `json:"amount"` // in senti
	Status               TransactionStatus `json:"status"`
	GatewayReference     string            `json:"gateway_reference"`
	GatewayTransactionID *string           `json:"gateway_transaction_id,omitempty"`
	RelatedEntityID      *uuid.UUID        `json:"related_entity_id,omitempty"`
	FailureReason        *string           `json:"failure_reason,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// NewPaymentReference generates the unique reference supplied to the gateway
// with an inbound checkout request.
func NewPaymentReference(kind TransactionKind, now time.Time) string {
	token := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("PAY_%s_%d_%s", strings.ToUpper(string(kind)), now.Unix(), token)
}

// CallbackOutcome is the normalized result a gateway callback reports.
type CallbackOutcome string

const (
	OutcomeSuccess CallbackOutcome = "success"
	OutcomeFailed  CallbackOutcome = "failed"
	OutcomePending CallbackOutcome = "pending"
	OutcomeUnknown CallbackOutcome = "unknown"
)

// CallbackEvent is the normalized form of one gateway delivery, whatever
// transport it arrived on. Delivery is at-least-once and may be out of order.
type CallbackEvent struct {
	GatewayTransactionID string          `json:"gateway_transaction_id"`
	ExternalReference    string          `json:"external_reference,omitempty"`
	Outcome              CallbackOutcome `json:"outcome"`
	Amount               int64           `json:"amount,omitempty"` // in senti
	Reason               string          `json:"reason,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
}

// NormalizeOutcome folds the gateway's status vocabulary into the closed
// CallbackOutcome set.
func NormalizeOutcome(raw string) CallbackOutcome {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "success", "successful", "completed":
		return OutcomeSuccess
	case "failed", "failure", "rejected", "declined":
		return OutcomeFailed
	case "pending", "processing", "initiated":
		return OutcomePending
	default:
		return OutcomeUnknown
	}
}

// ReconciliationConflict is the audit record written when a callback's outcome
// disagrees with a local record that is already terminal. It is never surfaced
// to the gateway and never mutates the disputed record.
type ReconciliationConflict struct {
	ID                   uuid.UUID `json:"id"`
	RecordType           string    `json:"record_type"` // "disbursement" or "inbound_transaction"
	RecordID             uuid.UUID `json:"record_id"`
	GatewayTransactionID string    `json:"gateway_transaction_id"`
	LocalStatus          string    `json:"local_status"`
	ReportedOutcome      string    `json:"reported_outcome"`
	Detail               string    `json:"detail,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}
