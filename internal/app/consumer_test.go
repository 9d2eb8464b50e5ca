package app

import (
	"testing"

	"github.com/pola/settlement-service/internal/domain"
)

func TestParseCallbackPayloadCollapsesAliases(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		gatewayTxnID string
		reference    string
		outcome      domain.CallbackOutcome
		reason       string
	}{
		{
			name:         "camel case fields",
			body:         `{"transactionId":"gw-1","externalId":"REF-1","status":"success"}`,
			gatewayTxnID: "gw-1",
			reference:    "REF-1",
			outcome:      domain.OutcomeSuccess,
		},
		{
			name:         "snake case fields",
			body:         `{"transaction_id":"gw-2","external_reference":"REF-2","transactionstatus":"failure","reason":"insufficient balance"}`,
			gatewayTxnID: "gw-2",
			reference:    "REF-2",
			outcome:      domain.OutcomeFailed,
			reason:       "insufficient balance",
		},
		{
			name:      "bare reference with message fallback",
			body:      `{"reference":"REF-3","status":"pending","message":"awaiting confirmation"}`,
			reference: "REF-3",
			outcome:   domain.OutcomePending,
			reason:    "awaiting confirmation",
		},
		{
			name:         "unrecognized status maps to unknown",
			body:         `{"transactionId":"gw-4","status":"sideways"}`,
			gatewayTxnID: "gw-4",
			outcome:      domain.OutcomeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := ParseCallbackPayload([]byte(tt.body))
			if err != nil {
				t.Fatalf("expected payload to parse, got %v", err)
			}
			if event.GatewayTransactionID != tt.gatewayTxnID {
				t.Fatalf("expected gateway txn %q, got %q", tt.gatewayTxnID, event.GatewayTransactionID)
			}
			if event.ExternalReference != tt.reference {
				t.Fatalf("expected reference %q, got %q", tt.reference, event.ExternalReference)
			}
			if event.Outcome != tt.outcome {
				t.Fatalf("expected outcome %s, got %s", tt.outcome, event.Outcome)
			}
			if event.Reason != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, event.Reason)
			}
		})
	}
}

func TestParseCallbackPayloadRejectsUnidentifiedCallback(t *testing.T) {
	if _, err := ParseCallbackPayload([]byte(`{"status":"success"}`)); err == nil {
		t.Fatal("expected error for a callback with no transaction id and no reference")
	}
}

func TestParseCallbackAmount(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		senti int64
		fails bool
	}{
		{name: "decimal string", raw: `"3000.00"`, senti: 300000},
		{name: "json number", raw: `1500.50`, senti: 150050},
		{name: "integer string", raw: `"250"`, senti: 25000},
		{name: "single fraction digit", raw: `"10.5"`, senti: 1050},
		{name: "extra precision dropped", raw: `"10.999"`, senti: 1099},
		{name: "null", raw: `null`, senti: 0},
		{name: "empty", raw: ``, senti: 0},
		{name: "negative", raw: `"-20.25"`, senti: -2025},
		{name: "garbage", raw: `"abc"`, fails: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCallbackAmount([]byte(tt.raw))
			if tt.fails {
				if err == nil {
					t.Fatalf("expected %q to fail", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected %q to parse, got %v", tt.raw, err)
			}
			if got != tt.senti {
				t.Fatalf("expected %d senti, got %d", tt.senti, got)
			}
		})
	}
}

func TestHandleMessageAcksMalformedPayload(t *testing.T) {
	consumer := NewCallbackConsumer(NewService(&reconcilerRepoStub{}, &gatewayStub{}, &publisherStub{}))
	if !consumer.HandleMessage([]byte(`not json`)) {
		t.Fatal("malformed payloads must be acknowledged, not requeued")
	}
}

func TestHandleMessageRequeuesEarlyArrival(t *testing.T) {
	consumer := NewCallbackConsumer(NewService(&reconcilerRepoStub{}, &gatewayStub{}, &publisherStub{}))
	body := []byte(`{"transactionId":"gw-early","status":"success"}`)
	if consumer.HandleMessage(body) {
		t.Fatal("a callback with no matching record must be requeued")
	}
}

func TestHandleMessageAcksAppliedCallback(t *testing.T) {
	repo := &reconcilerRepoStub{disbursement: processingDisbursement("gw-123"), resolveSuccessWon: true}
	consumer := NewCallbackConsumer(NewService(repo, &gatewayStub{}, &publisherStub{}))
	body := []byte(`{"transactionId":"gw-123","status":"success","amount":"25000.00"}`)
	if !consumer.HandleMessage(body) {
		t.Fatal("an applied callback must be acknowledged")
	}
	if !repo.resolveSuccessCalled {
		t.Fatal("expected the callback to resolve the disbursement")
	}
}
