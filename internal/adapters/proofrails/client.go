// Package proofrails submits receipt documents to the ProofRails
// verification service.
package proofrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"payrail/internal/domain/receipt"
)

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	TransactionHash string          `json:"transactionHash"`
	Document        json.RawMessage `json:"document"`
}

type verifyResponse struct {
	Verified     bool      `json:"verified"`
	ProofrailsID string    `json:"proofrailsId"`
	Reason       string    `json:"reason"`
	VerifiedAt   time.Time `json:"verifiedAt"`
}

// Verify anchors the document against txHash. A 422 is a definite rejection
// and comes back as an unverified result; any other failure is an error.
func (c *Client) Verify(ctx context.Context, txHash string, payload json.RawMessage) (receipt.Verification, error) {
	body, err := json.Marshal(verifyRequest{TransactionHash: txHash, Document: payload})
	if err != nil {
		return receipt.Verification{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verifications", bytes.NewReader(body))
	if err != nil {
		return receipt.Verification{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return receipt.Verification{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return receipt.Verification{}, err
	}

	var out verifyResponse
	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		_ = json.Unmarshal(raw, &out)
		if out.Reason == "" {
			out.Reason = strings.TrimSpace(string(raw))
		}
		return receipt.Verification{Verified: false, Reason: out.Reason}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return receipt.Verification{}, fmt.Errorf("proofrails returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return receipt.Verification{}, fmt.Errorf("decode proofrails response: %w", err)
	}
	if out.Verified && out.ProofrailsID == "" {
		return receipt.Verification{}, fmt.Errorf("proofrails verified %s without an id", txHash)
	}
	if out.Verified && out.VerifiedAt.IsZero() {
		out.VerifiedAt = time.Now().UTC()
	}
	return receipt.Verification{
		Verified:     out.Verified,
		ProofrailsID: out.ProofrailsID,
		Reason:       out.Reason,
		VerifiedAt:   out.VerifiedAt,
	}, nil
}
