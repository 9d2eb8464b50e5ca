/**
 * @description
 * This package provides a client for the AzamPay payment gateway. It handles
 * bearer-token authentication against the authenticator service, mobile money
 * checkout requests for inbound payments, and disbursement requests for
 * outbound payouts.
 *
 * Amounts cross this boundary in senti (cents of TZS) and are rendered as
 * decimal strings the gateway expects. Final settlement state always arrives
 * through the asynchronous callback, never from the synchronous response.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, sync, time: Standard Go libraries.
 */
package azampay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// Client is a client for the AzamPay API.
type Client struct {
	AuthBaseURL  string
	BaseURL      string
	AppName      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a new AzamPay API client.
func NewClient(authBaseURL, baseURL, appName, clientID, clientSecret string) *Client {
	return &Client{
		AuthBaseURL:  authBaseURL,
		BaseURL:      baseURL,
		AppName:      appName,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CheckoutRequest is the payload for a mobile money checkout (inbound).
type CheckoutRequest struct {
	AccountNumber string `json:"accountNumber"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	ExternalID    string `json:"externalId"`
	Provider      string `json:"provider"`
}

// CheckoutResponse is the synchronous acknowledgement of a checkout request.
// The payment itself settles later via callback.
type CheckoutResponse struct {
	TransactionID string `json:"transactionId"`
	Success       bool   `json:"success"`
	Message       string `json:"message"`
}

// DisburseRequest is the payload for an outbound payout.
type DisburseRequest struct {
	AccountNumber string `json:"accountNumber"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	ExternalID    string `json:"externalId"`
	Provider      string `json:"provider"`
	Remarks       string `json:"remarks,omitempty"`
}

// DisburseResponse is the synchronous acknowledgement of a payout request.
type DisburseResponse struct {
	TransactionID string `json:"transactionId"`
	Success       bool   `json:"success"`
	Message       string `json:"message"`
}

// Error represents an error response from the AzamPay API.
type Error struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("azampay api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("azampay api error (status %d)", e.StatusCode)
}

type tokenRequest struct {
	AppName      string `json:"appName"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type tokenResponse struct {
	Data struct {
		AccessToken string `json:"accessToken"`
		Expire      string `json:"expire"`
	} `json:"data"`
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// token returns a cached bearer token, refreshing it when within a minute of
// expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.accessToken, nil
	}

	body, err := json.Marshal(tokenRequest{
		AppName:      c.AppName,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.AuthBaseURL+"/AppRegistration/GenerateToken", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=azampay_client op=token status=%d msg=\"token request rejected\"", resp.StatusCode)
		return "", &Error{StatusCode: resp.StatusCode, Message: "token request rejected"}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(bodyBytes, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.Data.AccessToken == "" {
		return "", &Error{StatusCode: resp.StatusCode, Message: tokenResp.Message}
	}

	c.accessToken = tokenResp.Data.AccessToken
	expiry, err := time.Parse(time.RFC3339, tokenResp.Data.Expire)
	if err != nil {
		// The authenticator occasionally returns a non-RFC3339 expiry.
		expiry = time.Now().Add(55 * time.Minute)
	}
	c.tokenExpiry = expiry

	return c.accessToken, nil
}

// MobileCheckout asks the gateway to collect amountSenti from the given mobile
// money account. externalID is our reference the callback will echo.
func (c *Client) MobileCheckout(ctx context.Context, accountNumber, provider, externalID string, amountSenti int64) (*CheckoutResponse, error) {
	payload := CheckoutRequest{
		AccountNumber: accountNumber,
		Amount:        formatAmount(amountSenti),
		Currency:      "TZS",
		ExternalID:    externalID,
		Provider:      provider,
	}

	var resp CheckoutResponse
	if err := c.doPost(ctx, "/azampay/mno/checkout", "checkout", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Disburse asks the gateway to pay amountSenti out to the given account.
// externalID is our disbursement reference the callback will echo.
func (c *Client) Disburse(ctx context.Context, accountNumber, provider, externalID, remarks string, amountSenti int64) (*DisburseResponse, error) {
	payload := DisburseRequest{
		AccountNumber: accountNumber,
		Amount:        formatAmount(amountSenti),
		Currency:      "TZS",
		ExternalID:    externalID,
		Provider:      provider,
		Remarks:       remarks,
	}

	var resp DisburseResponse
	if err := c.doPost(ctx, "/azampay/disburse", "disburse", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doPost executes an authenticated POST and decodes the response into out.
func (c *Client) doPost(ctx context.Context, path, op string, payload, out interface{}) error {
	bearer, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain gateway token: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=azampay_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return &Error{StatusCode: resp.StatusCode}
		}
		log.Printf("level=warn component=azampay_client op=%s status=%d detail=%q", op, resp.StatusCode, errResp.Message)
		return &Error{StatusCode: resp.StatusCode, Message: errResp.Message}
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// formatAmount renders senti as the decimal string the gateway expects,
// without going through floats.
func formatAmount(senti int64) string {
	neg := ""
	if senti < 0 {
		neg = "-"
		senti = -senti
	}
	return fmt.Sprintf("%s%d.%02d", neg, senti/100, senti%100)
}
