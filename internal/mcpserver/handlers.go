package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateEscrow opens an escrow and locks funds.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counterparty := req.GetString("counterparty", "")
	if counterparty == "" {
		return mcp.NewToolResultError("counterparty is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	sourceChain := req.GetString("source_chain", "")
	if sourceChain == "" {
		return mcp.NewToolResultError("source_chain is required"), nil
	}
	targetChain := req.GetString("target_chain", "")
	if targetChain == "" {
		return mcp.NewToolResultError("target_chain is required"), nil
	}
	description := req.GetString("description", "")
	duration := req.GetString("duration", "")

	raw, err := h.client.CreateEscrow(ctx, counterparty, amount, sourceChain, targetChain, description, duration)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	snap, err := parseSnapshot(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow #%s created: %s USDC locked on %s\n"+
			"Counterparty: %s (paid on %s after you confirm)\n"+
			"Deadline: %s\n\n"+
			"Next: the counterparty accepts with accept_escrow.",
		snap.ID, snap.Amount, sourceChain, counterparty, targetChain, snap.Deadline)), nil
}

// HandleAcceptEscrow accepts escrow terms as the counterparty.
func (h *Handlers) HandleAcceptEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.AcceptEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Accept failed: %v", err)), nil
	}

	snap, err := parseSnapshot(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow #%s accepted.\nStatus: %s\nNext: %s",
		snap.ID, snap.Status, snap.NextStep)), nil
}

// HandleDeliverService marks the service delivered.
func (h *Handlers) HandleDeliverService(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	proofHash := req.GetString("proof_hash", "")

	raw, err := h.client.DeliverService(ctx, escrowID, proofHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Deliver failed: %v", err)), nil
	}

	snap, err := parseSnapshot(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow #%s marked delivered.\n", snap.ID)
	if proofHash != "" {
		fmt.Fprintf(&sb, "Proof: %s\n", proofHash)
	}
	sb.WriteString("Next: the initiator confirms with confirm_and_release, or disputes.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleConfirmAndRelease confirms delivery and releases the funds.
func (h *Handlers) HandleConfirmAndRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.ConfirmEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirm failed: %v", err)), nil
	}

	snap, err := parseSnapshot(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow #%s settled: %s USDC released to the counterparty on the target chain.\n"+
			"Both parties gained reputation (+2).",
		snap.ID, snap.Amount)), nil
}

// HandleInitiateDispute opens a dispute on an escrow.
func (h *Handlers) HandleInitiateDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	if _, err := h.client.DisputeEscrow(ctx, escrowID, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s is now disputed.\n"+
			"Reason: %s\n"+
			"Eligible mediators vote with vote_on_dispute; the first side to "+
			"reach 3 votes decides release or refund.",
		escrowID, reason)), nil
}

// HandleVoteOnDispute casts a mediator ballot.
func (h *Handlers) HandleVoteOnDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	forRelease := req.GetBool("for_release", false)

	raw, err := h.client.VoteOnDispute(ctx, escrowID, forRelease)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Vote failed: %v", err)), nil
	}

	var resp struct {
		VotesRelease int  `json:"votesRelease"`
		VotesRefund  int  `json:"votesRefund"`
		Resolved     bool `json:"resolved"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse vote result: %v", err)), nil
	}

	direction := "refund"
	if forRelease {
		direction = "release"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Ballot recorded for %s.\n", direction)
	fmt.Fprintf(&sb, "Tally: %d release / %d refund\n", resp.VotesRelease, resp.VotesRefund)
	if resp.Resolved {
		sb.WriteString("The dispute is resolved; settlement is executing.")
	} else {
		sb.WriteString("The dispute remains open.")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetEscrowStatus returns an escrow's state, plus the dispute tally
// when one is open.
func (h *Handlers) HandleGetEscrowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Lookup failed: %v", err)), nil
	}

	snap, err := parseSnapshot(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow #%s\n", snap.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", snap.Status)
	fmt.Fprintf(&sb, "  Amount: %s USDC (%s -> %s)\n", snap.Amount, snap.SourceChain, snap.TargetChain)
	fmt.Fprintf(&sb, "  Deadline: %s\n", snap.Deadline)
	if snap.NextStep != "" {
		fmt.Fprintf(&sb, "  Next: %s\n", snap.NextStep)
	}

	if snap.Status == "DISPUTED" {
		if disputeRaw, err := h.client.GetDispute(ctx, escrowID); err == nil {
			var d struct {
				VotesRelease int `json:"votesRelease"`
				VotesRefund  int `json:"votesRefund"`
				Quorum       int `json:"quorum"`
			}
			if json.Unmarshal(disputeRaw, &d) == nil {
				fmt.Fprintf(&sb, "  Dispute tally: %d release / %d refund (first to %d wins)\n",
					d.VotesRelease, d.VotesRefund, d.Quorum)
			}
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetAgentReputation returns the trust record for an agent.
func (h *Handlers) HandleGetAgentReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agent_address", "")
	if address == "" {
		return mcp.NewToolResultError("agent_address is required"), nil
	}

	raw, err := h.client.GetReputation(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}

	text, err := formatReputation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reputation: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists escrows for an agent.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agent_address", "")
	if address == "" {
		address = h.client.cfg.AgentAddress
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscrows(ctx, address, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

// snapshot is the escrow shape the API returns.
type snapshot struct {
	ID          string
	Status      string
	Amount      string
	SourceChain string
	TargetChain string
	Deadline    string
	NextStep    string
}

func parseSnapshot(raw json.RawMessage) (snapshot, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return snapshot{}, err
	}

	e, ok := resp["escrow"].(map[string]any)
	if !ok {
		return snapshot{}, fmt.Errorf("no escrow in response: %s", string(raw))
	}

	s := snapshot{
		Status:      getString(e, "status"),
		SourceChain: getString(e, "sourceChain"),
		TargetChain: getString(e, "targetChain"),
		Deadline:    getString(e, "deadline"),
		NextStep:    getString(resp, "nextStep"),
		Amount:      getString(resp, "amountDisplay"),
	}
	if s.Amount == "" {
		s.Amount = getString(e, "amount")
	}
	if id, ok := e["id"].(float64); ok {
		s.ID = fmt.Sprintf("%.0f", id)
	}
	if s.ID == "" {
		return snapshot{}, fmt.Errorf("no escrow ID in response: %s", string(raw))
	}
	return s, nil
}

func formatReputation(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	if agent, ok := m["agent"].(map[string]any); ok {
		m = agent
	}

	var sb strings.Builder
	sb.WriteString("Agent Reputation:\n")
	if v := getString(m, "address"); v != "" {
		fmt.Fprintf(&sb, "  Address: %s\n", v)
	}
	if v, ok := getFloat(m, "score"); ok {
		fmt.Fprintf(&sb, "  Score: %.0f / 100\n", v)
	}
	if v, ok := getFloat(m, "transactionCount"); ok {
		fmt.Fprintf(&sb, "  Transactions: %.0f\n", v)
	}
	score, _ := getFloat(m, "score")
	count, _ := getFloat(m, "transactionCount")
	if score >= 70 && count >= 5 {
		sb.WriteString("  Mediator: eligible\n")
	} else {
		sb.WriteString("  Mediator: not eligible (needs score 70+ and 5+ transactions)\n")
	}
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows []map[string]any `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected escrows response format")
	}

	if len(resp.Escrows) == 0 {
		return "No escrows found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		id := ""
		if v, ok := e["id"].(float64); ok {
			id = fmt.Sprintf("%.0f", v)
		}
		fmt.Fprintf(&sb, "%d. Escrow #%s [%s]\n", i+1, id, getString(e, "status"))
		fmt.Fprintf(&sb, "   %s -> %s\n", getString(e, "sourceChain"), getString(e, "targetChain"))
		if desc := getString(e, "serviceDescription"); desc != "" {
			fmt.Fprintf(&sb, "   %s\n", desc)
		}
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
