// Package chaingateway talks to the relayer that signs and broadcasts
// treasury transfers.
package chaingateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payrail/internal/domain/settlement"
)

var ErrRejected = errors.New("transfer rejected by gateway")

type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	Hash string `json:"hash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Submit posts the transfer. The gateway dedupes on Reference, so a retried
// submission of the same transfer returns the original hash.
func (c *Client) Submit(ctx context.Context, transfer settlement.Transfer) (string, error) {
	body, err := json.Marshal(transfer)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", transfer.Reference)

	var out submitResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.Hash == "" {
		return "", fmt.Errorf("%w: empty transaction hash", ErrRejected)
	}
	return out.Hash, nil
}

// Status reports the gateway's view of hash. A hash the gateway has not
// indexed yet is still pending.
func (c *Client) Status(ctx context.Context, hash string) (settlement.ChainStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transactions/"+url.PathEscape(hash), nil)
	if err != nil {
		return settlement.ChainStatus{}, err
	}
	var out settlement.ChainStatus
	err = c.do(req, &out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return settlement.ChainStatus{State: settlement.ChainPending}, nil
	}
	if err != nil {
		return settlement.ChainStatus{}, err
	}
	switch out.State {
	case settlement.ChainPending, settlement.ChainConfirmed, settlement.ChainFailed:
		return out, nil
	default:
		return settlement.ChainStatus{}, fmt.Errorf("unknown chain state %q", out.State)
	}
}

// StatusError is a non-2xx gateway answer. A 504 wraps
// context.DeadlineExceeded because the transfer may still have been
// broadcast.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chain gateway returned %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusGatewayTimeout:
		return context.DeadlineExceeded
	case e.Code >= 400 && e.Code < 500:
		return ErrRejected
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
