// Package custody talks to the signing collaborator that holds the
// sponsor's credential. The many response shapes the service can emit are
// adapted into one typed contract here, at the boundary, and nowhere else.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL    string
	identity   string
	authToken  string
	httpClient *http.Client
}

func New(baseURL, identity, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		identity:   identity,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type signRequest struct {
	Identity          string `json:"identity"`
	TransactionBase64 string `json:"transactionBase64"`
}

type signResponse struct {
	SignedTransactionBase64 string `json:"signedTransactionBase64"`
	Error                   string `json:"error,omitempty"`
}

// Cosign asks the custody service to add the sponsor signature and returns
// the signed transaction. The caller is responsible for re-verifying the
// returned bytes; this client does not trust them.
func (c *Client) Cosign(ctx context.Context, transactionBase64 string) (string, error) {
	body, err := json.Marshal(signRequest{
		Identity:          c.identity,
		TransactionBase64: transactionBase64,
	})
	if err != nil {
		return "", fmt.Errorf("marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sign", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call signing service: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read signing response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signing service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out signResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode signing response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("signing service error: %s", out.Error)
	}
	if strings.TrimSpace(out.SignedTransactionBase64) == "" {
		return "", fmt.Errorf("signing service returned no transaction")
	}
	return out.SignedTransactionBase64, nil
}
