/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's pricing,
 * credit wallet and webhook endpoints. Handlers parse incoming requests,
 * validate payloads, call the application service, and write the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-playground/validator/v10: Request payload validation.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pola/settlement-service/internal/app"
	"github.com/pola/settlement-service/internal/domain"
	"github.com/pola/settlement-service/internal/store"
)

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service  *app.Service
	validate *validator.Validate
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service *app.Service) *SettlementHandlers {
	return &SettlementHandlers{
		service:  service,
		validate: validator.New(),
	}
}

// authenticatedUserID resolves the caller's UUID from the request context.
func (h *SettlementHandlers) authenticatedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthenticatedUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_user_id subject=%s", userIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// decodeAndValidate decodes the JSON body into req and runs validator tags.
func (h *SettlementHandlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, endpoint string, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=validation err=%v", endpoint, err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return false
	}
	return true
}

// ListPricingRulesHandler returns the full pricing catalog.
func (h *SettlementHandlers) ListPricingRulesHandler(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.ListPricingRules(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=list_pricing outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"pricing_rules": rules})
}

// GetPricingRuleHandler returns one catalog entry by service type.
func (h *SettlementHandlers) GetPricingRuleHandler(w http.ResponseWriter, r *http.Request) {
	serviceType := domain.ServiceType(chi.URLParam(r, "serviceType"))
	rule, err := h.service.GetPricingRule(r.Context(), serviceType)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownServiceType) {
			h.writeError(w, http.StatusBadRequest, "Unknown service type")
			return
		}
		if errors.Is(err, store.ErrPricingRuleNotFound) {
			h.writeError(w, http.StatusNotFound, "Pricing rule not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_pricing outcome=failed service_type=%s err=%v", serviceType, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// UpsertPricingRuleHandler writes one catalog entry. Internal endpoint.
func (h *SettlementHandlers) UpsertPricingRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule domain.PricingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	rule.ServiceType = domain.ServiceType(chi.URLParam(r, "serviceType"))

	if err := h.service.UpsertPricingRule(r.Context(), rule); err != nil {
		if errors.Is(err, domain.ErrUnknownServiceType) || errors.Is(err, domain.ErrInvalidPricingRule) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=upsert_pricing outcome=failed service_type=%s err=%v", rule.ServiceType, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Printf("level=info component=api endpoint=upsert_pricing outcome=ok service_type=%s price=%d split=%d/%d",
		rule.ServiceType, rule.Price, rule.PlatformSharePercent, rule.PayeeSharePercent)
	h.writeJSON(w, http.StatusOK, rule)
}

// ListCreditBundlesHandler returns the purchasable bundle presets.
func (h *SettlementHandlers) ListCreditBundlesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"bundles": h.service.ListCreditBundles()})
}

// GetWalletBalanceHandler returns the caller's available minutes and grants.
func (h *SettlementHandlers) GetWalletBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetWalletBalance(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=wallet_balance outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// GrantCreditsHandler issues settled minutes directly. Internal endpoint for
// operations compensation.
func (h *SettlementHandlers) GrantCreditsHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.GrantCreditsRequest
	if !h.decodeAndValidate(w, r, "grant_credits", &req) {
		return
	}

	grant, err := h.service.GrantCredits(r.Context(), req)
	if err != nil {
		log.Printf("level=error component=api endpoint=grant_credits outcome=failed owner_id=%s err=%v", req.OwnerID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Printf("level=info component=api endpoint=grant_credits outcome=ok owner_id=%s minutes=%d", req.OwnerID, req.Minutes)
	h.writeJSON(w, http.StatusCreated, grant)
}

// PurchaseCreditsHandler starts a credit bundle purchase for the caller.
func (h *SettlementHandlers) PurchaseCreditsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	var req domain.PurchaseCreditsRequest
	if !h.decodeAndValidate(w, r, "purchase_credits", &req) {
		return
	}

	result, err := h.service.PurchaseCredits(r.Context(), userID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=purchase_credits outcome=failed user_id=%s err=%v", userID, err)
		if errors.Is(err, app.ErrUnknownBundle) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusBadGateway, "Payment gateway rejected the checkout")
		return
	}

	log.Printf("level=info component=api endpoint=purchase_credits outcome=accepted user_id=%s bundle=%s reference=%s",
		userID, req.BundleName, result.GatewayReference)
	h.writeJSON(w, http.StatusCreated, result)
}

// WebhookHandler receives gateway callbacks over HTTP. The gateway retries on
// non-2xx responses, so an early callback for a record we have not committed
// yet answers 404 and comes back later.
func (h *SettlementHandlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	event, err := app.ParseCallbackPayload(body)
	if err != nil {
		log.Printf("level=warn component=api endpoint=webhook outcome=reject reason=malformed_payload err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Malformed callback payload")
		return
	}

	if err := h.service.ApplyCallback(r.Context(), event); err != nil {
		if errors.Is(err, app.ErrCallbackTargetNotFound) {
			h.writeError(w, http.StatusNotFound, "No matching transaction")
			return
		}
		log.Printf("level=error component=api endpoint=webhook outcome=failed gateway_txn=%s reference=%s err=%v",
			event.GatewayTransactionID, event.ExternalReference, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Printf("level=info component=api endpoint=webhook outcome=applied gateway_txn=%s reference=%s status=%s",
		event.GatewayTransactionID, event.ExternalReference, event.Outcome)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
