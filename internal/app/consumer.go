/**
 * @description
 * Gateway callback intake. Callbacks arrive on two transports, the HTTP
 * webhook and a RabbitMQ queue fed by the gateway bridge, and both funnel
 * through ParseCallbackPayload into Service.ApplyCallback. The gateway's
 * payload schema drifts between products, so every field is read through its
 * known aliases.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/pola/settlement-service/internal/domain"
)

// callbackPayload is the raw gateway delivery. Distinct gateway products spell
// the same field differently; each alias set collapses to one value.
type callbackPayload struct {
	TransactionID     string          `json:"transactionId"`
	TransactionIDAlt  string          `json:"transaction_id"`
	ExternalID        string          `json:"externalId"`
	ExternalReference string          `json:"external_reference"`
	Reference         string          `json:"reference"`
	Status            string          `json:"status"`
	TransactionStatus string          `json:"transactionstatus"`
	Message           string          `json:"message"`
	Reason            string          `json:"reason"`
	Amount            json.RawMessage `json:"amount"`
	Timestamp         string          `json:"timestamp"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseCallbackAmount reads the gateway amount, which arrives as either a JSON
// number or a decimal string, into senti without going through floats.
func parseCallbackAmount(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	text := strings.TrimSpace(string(raw))
	text = strings.Trim(text, `"`)
	if text == "" || text == "null" {
		return 0, nil
	}

	neg := strings.HasPrefix(text, "-")
	text = strings.TrimPrefix(text, "-")

	whole, frac := text, ""
	if i := strings.IndexByte(text, '.'); i >= 0 {
		whole, frac = text[:i], text[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	// Normalize the fraction to exactly two digits; extra precision is dropped.
	for len(frac) < 2 {
		frac += "0"
	}
	frac = frac[:2]

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", text, err)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", text, err)
	}

	senti := units*100 + cents
	if neg {
		senti = -senti
	}
	return senti, nil
}

// ParseCallbackPayload normalizes one raw gateway delivery into the internal
// callback event.
func ParseCallbackPayload(body []byte) (domain.CallbackEvent, error) {
	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.CallbackEvent{}, fmt.Errorf("failed to unmarshal callback payload: %w", err)
	}

	gatewayTxnID := firstNonEmpty(payload.TransactionID, payload.TransactionIDAlt)
	reference := firstNonEmpty(payload.ExternalID, payload.ExternalReference, payload.Reference)
	if gatewayTxnID == "" && reference == "" {
		return domain.CallbackEvent{}, errors.New("callback carries neither a transaction id nor a reference")
	}

	amount, err := parseCallbackAmount(payload.Amount)
	if err != nil {
		return domain.CallbackEvent{}, err
	}

	timestamp := time.Now().UTC()
	if ts := strings.TrimSpace(payload.Timestamp); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			timestamp = parsed.UTC()
		}
	}

	return domain.CallbackEvent{
		GatewayTransactionID: gatewayTxnID,
		ExternalReference:    reference,
		Outcome:              domain.NormalizeOutcome(firstNonEmpty(payload.Status, payload.TransactionStatus)),
		Amount:               amount,
		Reason:               firstNonEmpty(payload.Reason, payload.Message),
		Timestamp:            timestamp,
	}, nil
}

// CallbackConsumer handles gateway callback deliveries from RabbitMQ.
type CallbackConsumer struct {
	service *Service
}

func NewCallbackConsumer(service *Service) *CallbackConsumer {
	return &CallbackConsumer{service: service}
}

// HandleMessage processes one delivery. Returning false requeues it, so only
// transient failures and early arrivals (callback before our commit is
// visible) do; malformed payloads are acknowledged and dropped.
func (c *CallbackConsumer) HandleMessage(body []byte) bool {
	event, err := ParseCallbackPayload(body)
	if err != nil {
		log.Printf("callback-consumer: dropping malformed payload: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.ApplyCallback(ctx, event); err != nil {
		log.Printf("callback-consumer: processing error for gateway_txn=%s reference=%s: %v", event.GatewayTransactionID, event.ExternalReference, err)
		return false
	}
	return true
}
