package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the escrowd API.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	AgentAddress string // Acting agent's address, e.g. "0x..."
}

// Client is a pure HTTP client for the escrowd API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the escrowd API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// CreateEscrow opens an escrow and locks the initiator's funds.
func (c *Client) CreateEscrow(ctx context.Context, counterparty, amount, sourceChain, targetChain, description, duration string) (json.RawMessage, error) {
	body := map[string]string{
		"initiator":          c.cfg.AgentAddress,
		"counterparty":       counterparty,
		"amount":             amount,
		"sourceChain":        sourceChain,
		"targetChain":        targetChain,
		"serviceDescription": description,
	}
	if duration != "" {
		body["duration"] = duration
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body)
}

// GetEscrow returns an escrow's current state.
func (c *Client) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+escrowID, nil, nil)
}

// AcceptEscrow accepts the terms as the counterparty.
func (c *Client) AcceptEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	body := map[string]string{"caller": c.cfg.AgentAddress}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/accept", nil, body)
}

// DeliverService marks the service delivered, with an optional proof hash.
func (c *Client) DeliverService(ctx context.Context, escrowID, proofHash string) (json.RawMessage, error) {
	body := map[string]string{"caller": c.cfg.AgentAddress}
	if proofHash != "" {
		body["proofHash"] = proofHash
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/deliver", nil, body)
}

// ConfirmEscrow confirms delivery and releases funds to the counterparty.
func (c *Client) ConfirmEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	body := map[string]string{"caller": c.cfg.AgentAddress}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/confirm", nil, body)
}

// DisputeEscrow opens a dispute over an escrow.
func (c *Client) DisputeEscrow(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	body := map[string]string{
		"caller": c.cfg.AgentAddress,
		"reason": reason,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/dispute", nil, body)
}

// GetDispute returns a dispute with its current vote tally.
func (c *Client) GetDispute(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+escrowID, nil, nil)
}

// VoteOnDispute casts a mediator ballot.
func (c *Client) VoteOnDispute(ctx context.Context, escrowID string, forRelease bool) (json.RawMessage, error) {
	body := map[string]any{
		"mediator":   c.cfg.AgentAddress,
		"forRelease": forRelease,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes/"+escrowID+"/votes", nil, body)
}

// GetReputation returns the trust record for an agent.
func (c *Client) GetReputation(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+address+"/reputation", nil, nil)
}

// ListEscrows lists escrows involving an agent.
func (c *Client) ListEscrows(ctx context.Context, address string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+address+"/escrows", q, nil)
}
