// Package ledger is the boundary to the external token ledger that
// ultimately records stake transfers. The core only needs transfer
// submission with exactly-once effect per idempotency key.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrTransferFailed signals the ledger rejected or failed the transfer.
// Callers roll back and may retry with the same idempotency key.
var ErrTransferFailed = errors.New("ledger: transfer failed")

// Transfer is a stake movement request. IdempotencyKey makes retries safe:
// the ledger must apply at most one transfer per key.
type Transfer struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Receipt confirms an applied transfer.
type Receipt struct {
	TxID string `json:"tx_id"`
}

// Gateway submits transfers to the external ledger.
type Gateway interface {
	Transfer(ctx context.Context, req Transfer) (Receipt, error)
}

// Client talks to a ledger service over HTTP. Every call is bounded by the
// configured timeout; a timeout surfaces as ErrTransferFailed so the caller
// takes the rollback path.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (c *Client) Transfer(ctx context.Context, req Transfer) (Receipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: marshal transfer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Receipt{}, fmt.Errorf("%w: ledger returned %d", ErrTransferFailed, resp.StatusCode)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return Receipt{}, fmt.Errorf("ledger: decode receipt: %w", err)
	}
	if receipt.TxID == "" {
		return Receipt{}, fmt.Errorf("%w: empty tx id", ErrTransferFailed)
	}
	return receipt, nil
}
