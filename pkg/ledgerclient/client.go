/**
 * @description
 * This package provides a client for the custodial ledger API: the external
 * collaborator that actually moves token amounts between custodial accounts.
 * It encapsulates the logic for making authenticated HTTP requests, handling
 * request body construction, and parsing responses.
 *
 * Transfers are all-or-nothing on the ledger side. A campaign vault's
 * outbound transfers are authorized by this service's API key; the campaign
 * record stores which vault account that authority is scoped to.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the custodial ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest represents the payload for a book transfer between two
// custodial accounts.
type TransferRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency string `json:"currency"`
			Amount   int64  `json:"amount"`
			Reason   string `json:"reason"`
		} `json:"attributes"`
		Relationships struct {
			Account struct {
				Data struct {
					Type string `json:"type"`
					ID   string `json:"id"`
				} `json:"data"`
			} `json:"account"`
			DestinationAccount struct {
				Data struct {
					Type string `json:"type"`
					ID   string `json:"id"`
				} `json:"data"`
			} `json:"destinationAccount"`
		} `json:"relationships"`
	} `json:"data"`
}

// TransferResponse represents the ledger's response to a transfer request.
type TransferResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status string `json:"status"`
			Amount int64  `json:"amount"`
			Fee    int64  `json:"fee"`
		} `json:"attributes"`
	} `json:"data"`
}

// BalanceResponse represents a custodial account balance.
type BalanceResponse struct {
	Data struct {
		AvailableBalance int64 `json:"availableBalance"`
		LedgerBalance    int64 `json:"ledgerBalance"`
		Hold             int64 `json:"hold"`
		Pending          int64 `json:"pending"`
	} `json:"data"`
}

// BookTransfer moves an amount between two custodial accounts. The transfer
// either completes in full or not at all.
func (c *Client) BookTransfer(ctx context.Context, fromAccountID, toAccountID, reason string, amount int64) (*TransferResponse, error) {
	reqBody := TransferRequest{}
	reqBody.Data.Type = "BookTransfer"
	reqBody.Data.Attributes.Currency = "NGN"
	reqBody.Data.Attributes.Amount = amount
	reqBody.Data.Attributes.Reason = reason
	reqBody.Data.Relationships.Account.Data.Type = "DepositAccount"
	reqBody.Data.Relationships.Account.Data.ID = fromAccountID
	reqBody.Data.Relationships.DestinationAccount.Data.Type = "DepositAccount"
	reqBody.Data.Relationships.DestinationAccount.Data.ID = toAccountID

	var resp TransferResponse
	if err := c.post(ctx, "/api/v1/transfers", reqBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAccountBalance fetches the current balance of a custodial account.
func (c *Client) GetAccountBalance(ctx context.Context, accountID string) (*BalanceResponse, error) {
	url := fmt.Sprintf("%s/api/v1/accounts/balance/%s", c.BaseURL, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-ledger-key", c.APIKey)

	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("ledger API error (status %d): %s", httpResp.StatusCode, string(body))
	}

	var resp BalanceResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode balance response: %w", err)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)

	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("ledger API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
