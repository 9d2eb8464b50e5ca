/**
 * @description
 * HTTP handlers for the earnings ledger and payout reconciliation: payee
 * statement views, admin-initiated disbursements with retry, and the
 * reconciliation conflict audit feed.
 */

package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pola/settlement-service/internal/app"
	"github.com/pola/settlement-service/internal/domain"
	"github.com/pola/settlement-service/internal/store"
)

// ListEarningsHandler returns the caller's earnings statement. With
// ?unpaid=true only entries not yet covered by a completed payout are listed.
func (h *SettlementHandlers) ListEarningsHandler(w http.ResponseWriter, r *http.Request) {
	payeeID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	var (
		entries []domain.EarningsEntry
		err     error
	)
	if r.URL.Query().Get("unpaid") == "true" {
		entries, err = h.service.ListUnpaidEarnings(r.Context(), payeeID)
	} else {
		entries, err = h.service.ListEarningsByPayee(r.Context(), payeeID)
	}
	if err != nil {
		log.Printf("level=error component=api endpoint=list_earnings outcome=failed payee_id=%s err=%v", payeeID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	var total int64
	for _, e := range entries {
		total += e.NetEarnings
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":     entries,
		"net_total":   total,
		"entry_count": len(entries),
		"unpaid_only": r.URL.Query().Get("unpaid") == "true",
	})
}

// InitiateDisbursementHandler batches unpaid earnings into a payout. Internal
// endpoint used by operations tooling.
func (h *SettlementHandlers) InitiateDisbursementHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateDisbursementRequest
	if !h.decodeAndValidate(w, r, "initiate_disbursement", &req) {
		return
	}
	if !req.Channel.Valid() {
		h.writeError(w, http.StatusBadRequest, "Unsupported payout channel")
		return
	}

	var initiatedBy *uuid.UUID
	if operator := r.Header.Get("X-Operator-Id"); operator != "" {
		if id, err := uuid.Parse(operator); err == nil {
			initiatedBy = &id
		}
	}

	d, err := h.service.InitiateDisbursement(r.Context(), initiatedBy, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=initiate_disbursement outcome=failed payee_id=%s err=%v", req.PayeeID, err)
		switch {
		case errors.Is(err, store.ErrEarningsEntryNotFound):
			h.writeError(w, http.StatusNotFound, "One or more earnings entries were not found")
		case errors.Is(err, store.ErrEarningsBatchMismatch):
			h.writeError(w, http.StatusBadRequest, "All entries must belong to the payee")
		case errors.Is(err, store.ErrEarningsAlreadyPaid), errors.Is(err, store.ErrEntriesAlreadyBatched):
			h.writeError(w, http.StatusConflict, "One or more entries are already paid or reserved by another payout")
		case errors.Is(err, app.ErrBelowMinimumPayout):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, app.ErrUnsupportedChannel):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusBadGateway, "Payout initiation failed")
		}
		return
	}

	log.Printf("level=info component=api endpoint=initiate_disbursement outcome=accepted disbursement_id=%s payee_id=%s amount=%d",
		d.ID, d.PayeeID, d.Amount)
	h.writeJSON(w, http.StatusCreated, d)
}

// GetDisbursementHandler returns one disbursement. Internal endpoint.
func (h *SettlementHandlers) GetDisbursementHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid disbursement ID format")
		return
	}

	d, err := h.service.GetDisbursement(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrDisbursementNotFound) {
			h.writeError(w, http.StatusNotFound, "Disbursement not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_disbursement outcome=failed disbursement_id=%s err=%v", id, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// RetryDisbursementHandler re-runs a failed payout as a fresh disbursement.
// Internal endpoint.
func (h *SettlementHandlers) RetryDisbursementHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid disbursement ID format")
		return
	}

	var initiatedBy *uuid.UUID
	if operator := r.Header.Get("X-Operator-Id"); operator != "" {
		if opID, parseErr := uuid.Parse(operator); parseErr == nil {
			initiatedBy = &opID
		}
	}

	d, err := h.service.RetryDisbursement(r.Context(), id, initiatedBy)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDisbursementNotFound):
			h.writeError(w, http.StatusNotFound, "Disbursement not found")
		case errors.Is(err, store.ErrDisbursementNotRetryable):
			h.writeError(w, http.StatusConflict, "Only failed disbursements can be retried")
		default:
			log.Printf("level=warn component=api endpoint=retry_disbursement outcome=failed disbursement_id=%s err=%v", id, err)
			h.writeError(w, http.StatusBadGateway, "Payout retry failed")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, d)
}

// ListConflictsHandler returns recent reconciliation conflicts for manual
// review. Internal endpoint.
func (h *SettlementHandlers) ListConflictsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	conflicts, err := h.service.ListReconciliationConflicts(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_conflicts outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}
