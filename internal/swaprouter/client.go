// Package swaprouter calls the external swap-routing collaborator for
// quotes and ready-to-include swap instructions.
package swaprouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type QuoteRequest struct {
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	AmountUnits uint64
	SlippageBps uint64
}

type Quote struct {
	InAmount             uint64          `json:"inAmount,string"`
	OutAmount            uint64          `json:"outAmount,string"`
	OtherAmountThreshold uint64          `json:"otherAmountThreshold,string"`
	RoutePlan            json.RawMessage `json:"routePlan"`
}

func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if req.AmountUnits == 0 {
		return nil, fmt.Errorf("quote amount must be > 0")
	}

	query := url.Values{}
	query.Set("inputMint", req.InputMint.String())
	query.Set("outputMint", req.OutputMint.String())
	query.Set("amount", strconv.FormatUint(req.AmountUnits, 10))
	query.Set("slippageBps", strconv.FormatUint(req.SlippageBps, 10))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/quote?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}

	out := new(Quote)
	if err := c.do(httpReq, out); err != nil {
		return nil, fmt.Errorf("fetch quote: %w", err)
	}
	return out, nil
}

type swapInstructionsRequest struct {
	Owner string          `json:"owner"`
	Quote json.RawMessage `json:"quote"`
}

type wireAccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type wireInstruction struct {
	ProgramID string            `json:"programId"`
	Accounts  []wireAccountMeta `json:"accounts"`
	Data      string            `json:"data"`
}

type swapInstructionsResponse struct {
	Instructions []wireInstruction `json:"instructions"`
}

// SwapInstructions fetches the routed swap legs for a quote and converts
// them into instructions the builder can wrap with sponsorship plumbing.
func (c *Client) SwapInstructions(ctx context.Context, owner solana.PublicKey, quoteJSON json.RawMessage) ([]solana.Instruction, error) {
	body, err := json.Marshal(swapInstructionsRequest{Owner: owner.String(), Quote: quoteJSON})
	if err != nil {
		return nil, fmt.Errorf("marshal swap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/swap-instructions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build swap request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp swapInstructionsResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, fmt.Errorf("fetch swap instructions: %w", err)
	}
	if len(resp.Instructions) == 0 {
		return nil, fmt.Errorf("router returned no instructions")
	}

	out := make([]solana.Instruction, 0, len(resp.Instructions))
	for i, wire := range resp.Instructions {
		ix, err := decodeWireInstruction(wire)
		if err != nil {
			return nil, fmt.Errorf("decode routed instruction %d: %w", i, err)
		}
		out = append(out, ix)
	}
	return out, nil
}

func decodeWireInstruction(wire wireInstruction) (solana.Instruction, error) {
	programID, err := solana.PublicKeyFromBase58(wire.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid program id %q: %w", wire.ProgramID, err)
	}
	data, err := base64.StdEncoding.DecodeString(wire.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid instruction data: %w", err)
	}
	metas := make(solana.AccountMetaSlice, 0, len(wire.Accounts))
	for _, account := range wire.Accounts {
		pubkey, err := solana.PublicKeyFromBase58(account.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("invalid account %q: %w", account.Pubkey, err)
		}
		metas = append(metas, solana.NewAccountMeta(pubkey, account.IsWritable, account.IsSigner))
	}
	return solana.NewInstruction(programID, metas, data), nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("router returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
