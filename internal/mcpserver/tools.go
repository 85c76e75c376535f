package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open a cross-chain escrow for a service payment. "+
			"Your USDC is locked on the source chain immediately; the counterparty "+
			"gets paid on the target chain only after you confirm delivery."),
	mcp.WithString("counterparty",
		mcp.Required(),
		mcp.Description("Service provider's address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in USDC to escrow (e.g. '1.50')")),
	mcp.WithString("source_chain",
		mcp.Required(),
		mcp.Description("Chain your funds are locked on (e.g. 'base')")),
	mcp.WithString("target_chain",
		mcp.Required(),
		mcp.Description("Chain the counterparty is paid on (e.g. 'ethereum')")),
	mcp.WithString("description",
		mcp.Description("What service the escrow pays for")),
	mcp.WithString("duration",
		mcp.Description("Escrow lifetime before it expires (e.g. '24h'; bounded 1h-72h)")),
)

var ToolAcceptEscrow = mcp.NewTool("accept_escrow",
	mcp.WithDescription(
		"Accept an escrow's terms as the counterparty. "+
			"Only the counterparty may accept, and only before the deadline."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID from create_escrow or list_escrows")),
)

var ToolDeliverService = mcp.NewTool("deliver_service",
	mcp.WithDescription(
		"Mark the service as delivered, optionally attaching a proof hash. "+
			"Only the counterparty may deliver. The initiator then confirms to release payment."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("proof_hash",
		mcp.Description("Hex hash of the delivery artifact (e.g. '0xabc...')")),
)

var ToolConfirmAndRelease = mcp.NewTool("confirm_and_release",
	mcp.WithDescription(
		"Confirm delivery and release the escrowed USDC to the counterparty on the "+
			"target chain. Only the initiator may confirm. Both parties gain reputation."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolInitiateDispute = mcp.NewTool("initiate_dispute",
	mcp.WithDescription(
		"Dispute an escrow when delivery failed or the result is unsatisfactory. "+
			"Freezes the escrow and opens a mediator vote; the first side to reach "+
			"three votes decides release or refund."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation of why the escrow is contested")),
)

var ToolVoteOnDispute = mcp.NewTool("vote_on_dispute",
	mcp.WithDescription(
		"Cast a mediator ballot on an open dispute. Requires mediator standing "+
			"(reputation score 70+ with at least 5 completed transactions) and no "+
			"stake in the escrow. One ballot per mediator."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The disputed escrow's ID")),
	mcp.WithBoolean("for_release",
		mcp.Required(),
		mcp.Description("true to release funds to the counterparty, false to refund the initiator")),
)

var ToolGetEscrowStatus = mcp.NewTool("get_escrow_status",
	mcp.WithDescription(
		"Get an escrow's current status, deadline, and the next expected step. "+
			"For disputed escrows, also shows the vote tally."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolGetAgentReputation = mcp.NewTool("get_agent_reputation",
	mcp.WithDescription(
		"Get the reputation score (0-100, starts at 50), transaction count, and "+
			"mediator standing for any agent."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address (e.g. '0x1234...')")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows involving an agent, newest first. "+
			"Defaults to your own address when agent_address is omitted."),
	mcp.WithString("agent_address",
		mcp.Description("Agent address to list escrows for")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)
