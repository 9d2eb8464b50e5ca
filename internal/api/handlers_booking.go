/**
 * @description
 * HTTP handlers for the booking lifecycle: create, read, confirm, cancel and
 * complete. Completion is idempotent end to end; replaying it answers with the
 * stored settlement instead of an error.
 */

package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pola/settlement-service/internal/app"
	"github.com/pola/settlement-service/internal/domain"
	"github.com/pola/settlement-service/internal/store"
)

// bookingIDParam parses the {id} URL parameter.
func (h *SettlementHandlers) bookingIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid booking ID format")
		return uuid.Nil, false
	}
	return id, true
}

// CreateBookingHandler opens a booking for the caller.
func (h *SettlementHandlers) CreateBookingHandler(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	var req domain.CreateBookingRequest
	if !h.decodeAndValidate(w, r, "create_booking", &req) {
		return
	}

	booking, err := h.service.CreateBooking(r.Context(), clientID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_booking outcome=failed client_id=%s err=%v", clientID, err)
		switch {
		case errors.Is(err, domain.ErrInsufficientCredit):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient credit minutes for this booking")
		case errors.Is(err, domain.ErrUnknownServiceType):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrPricingRuleNotFound):
			h.writeError(w, http.StatusUnprocessableEntity, "No pricing rule for this service")
		case errors.Is(err, app.ErrPricingRuleInactive):
			h.writeError(w, http.StatusUnprocessableEntity, "Pricing for this service is not currently active")
		case errors.Is(err, app.ErrGatewayCheckout):
			h.writeError(w, http.StatusBadGateway, "Payment gateway rejected the consultation fee checkout")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, booking)
}

// GetBookingHandler returns one booking. The caller must be a party to it.
func (h *SettlementHandlers) GetBookingHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	booking, err := h.service.GetBooking(r.Context(), bookingID)
	if err != nil {
		if errors.Is(err, store.ErrBookingNotFound) {
			h.writeError(w, http.StatusNotFound, "Booking not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_booking outcome=failed booking_id=%s err=%v", bookingID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if booking.ClientID != userID && booking.PayeeID != userID {
		h.writeError(w, http.StatusNotFound, "Booking not found")
		return
	}

	h.writeJSON(w, http.StatusOK, booking)
}

// ConfirmBookingHandler transitions a pending booking to confirmed. Only the
// payee confirms.
func (h *SettlementHandlers) ConfirmBookingHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	booking, err := h.service.GetBooking(r.Context(), bookingID)
	if err != nil {
		if errors.Is(err, store.ErrBookingNotFound) {
			h.writeError(w, http.StatusNotFound, "Booking not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if booking.PayeeID != userID {
		h.writeError(w, http.StatusForbidden, "Only the payee can confirm a booking")
		return
	}

	confirmed, err := h.service.ConfirmBooking(r.Context(), bookingID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidBookingState) {
			h.writeError(w, http.StatusConflict, "Booking is not pending")
			return
		}
		log.Printf("level=error component=api endpoint=confirm_booking outcome=failed booking_id=%s err=%v", bookingID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, confirmed)
}

// CancelBookingHandler cancels a pending or confirmed booking. Either party
// can cancel; reserved minutes flow back to the client's wallet.
func (h *SettlementHandlers) CancelBookingHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	booking, err := h.service.GetBooking(r.Context(), bookingID)
	if err != nil {
		if errors.Is(err, store.ErrBookingNotFound) {
			h.writeError(w, http.StatusNotFound, "Booking not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if booking.ClientID != userID && booking.PayeeID != userID {
		h.writeError(w, http.StatusNotFound, "Booking not found")
		return
	}

	cancelled, err := h.service.CancelBooking(r.Context(), bookingID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidBookingState) {
			h.writeError(w, http.StatusConflict, "Booking is already terminal")
			return
		}
		log.Printf("level=error component=api endpoint=cancel_booking outcome=failed booking_id=%s err=%v", bookingID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, cancelled)
}

// CompleteBookingHandler settles a confirmed booking. Only the payee completes.
func (h *SettlementHandlers) CompleteBookingHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}

	var req domain.CompleteBookingRequest
	if !h.decodeAndValidate(w, r, "complete_booking", &req) {
		return
	}

	booking, err := h.service.GetBooking(r.Context(), bookingID)
	if err != nil {
		if errors.Is(err, store.ErrBookingNotFound) {
			h.writeError(w, http.StatusNotFound, "Booking not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if booking.PayeeID != userID {
		h.writeError(w, http.StatusForbidden, "Only the payee can complete a booking")
		return
	}

	result, err := h.service.CompleteBooking(r.Context(), bookingID, req.ActualDurationMinutes)
	if err != nil {
		log.Printf("level=warn component=api endpoint=complete_booking outcome=failed booking_id=%s err=%v", bookingID, err)
		switch {
		case errors.Is(err, store.ErrInvalidBookingState):
			h.writeError(w, http.StatusConflict, "Booking cannot be completed from its current state")
		case errors.Is(err, domain.ErrInsufficientCredit):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient credit minutes to cover the overrun")
		case errors.Is(err, domain.ErrInvalidMinutes):
			h.writeError(w, http.StatusBadRequest, "Actual duration must be positive")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	status := http.StatusOK
	if !result.Replayed {
		log.Printf("level=info component=api endpoint=complete_booking outcome=settled booking_id=%s gross=%d", bookingID, result.Booking.GrossAmount)
	}
	h.writeJSON(w, status, result)
}
