package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nanba-labs/escrowd/internal/dispute"
	"github.com/nanba-labs/escrowd/internal/escrow"
	"github.com/nanba-labs/escrowd/internal/settlement"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func escrowEvent(name string, e *escrow.Escrow) *Event {
	return &Event{Event: name, Timestamp: time.Now(), Escrow: e}
}

// ---------------------------------------------------------------------------
// subscription filter tests
// ---------------------------------------------------------------------------

func TestWants_EmptySubscription(t *testing.T) {
	client := &Client{}

	if !client.wants(escrowEvent("escrow.created", &escrow.Escrow{ID: 1})) {
		t.Error("empty subscription should receive everything")
	}
	if !client.wants(&Event{Event: "dispute.vote", Dispute: &dispute.Dispute{EscrowID: 1}}) {
		t.Error("empty subscription should receive dispute events too")
	}
}

func TestWants_EventNameFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		Events: []string{"escrow.released", "dispute.*"},
	}}

	if !client.wants(escrowEvent("escrow.released", &escrow.Escrow{ID: 1})) {
		t.Error("should receive exact-name match")
	}
	if !client.wants(&Event{Event: "dispute.resolved", Dispute: &dispute.Dispute{EscrowID: 1}}) {
		t.Error("should receive prefix match")
	}
	if client.wants(escrowEvent("escrow.created", &escrow.Escrow{ID: 1})) {
		t.Error("should NOT receive unsubscribed event names")
	}
}

func TestWants_EscrowIDFilter(t *testing.T) {
	client := &Client{sub: Subscription{EscrowIDs: []int64{7}}}

	if !client.wants(escrowEvent("escrow.accepted", &escrow.Escrow{ID: 7})) {
		t.Error("should receive events for the watched escrow")
	}
	if client.wants(escrowEvent("escrow.accepted", &escrow.Escrow{ID: 8})) {
		t.Error("should NOT receive other escrows")
	}
	if !client.wants(&Event{Event: "dispute.vote", Dispute: &dispute.Dispute{EscrowID: 7}}) {
		t.Error("dispute events should match on their escrow id")
	}
}

func TestWants_AgentFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		Agents: []string{"0xAAAA567890123456789012345678901234567890"},
	}}

	involved := &escrow.Escrow{
		ID:           1,
		Initiator:    "0xaaaa567890123456789012345678901234567890",
		Counterparty: "0xbbbb567890123456789012345678901234567890",
	}
	unrelated := &escrow.Escrow{
		ID:           2,
		Initiator:    "0xcccc567890123456789012345678901234567890",
		Counterparty: "0xdddd567890123456789012345678901234567890",
	}

	if !client.wants(escrowEvent("escrow.created", involved)) {
		t.Error("should match on either party, case-insensitive")
	}
	if client.wants(escrowEvent("escrow.created", unrelated)) {
		t.Error("should NOT match unrelated escrows")
	}
	if !client.wants(&Event{Event: "dispute.vote", Dispute: &dispute.Dispute{EscrowID: 1}}) {
		t.Error("dispute events carry no addresses and should pass through")
	}
}

func TestWants_TransferEvents(t *testing.T) {
	client := &Client{sub: Subscription{
		Agents: []string{"0xAAAA567890123456789012345678901234567890"},
	}}

	held := &settlement.Transfer{
		EscrowID:  1,
		Holder:    "0xaaaa567890123456789012345678901234567890",
		Recipient: "0xbbbb567890123456789012345678901234567890",
	}
	unrelated := &settlement.Transfer{
		EscrowID:  2,
		Holder:    "0xcccc567890123456789012345678901234567890",
		Recipient: "0xdddd567890123456789012345678901234567890",
	}

	if !client.wants(&Event{Event: "settlement.locked", Transfer: held}) {
		t.Error("should match the transfer's holder, case-insensitive")
	}
	if client.wants(&Event{Event: "settlement.locked", Transfer: unrelated}) {
		t.Error("should NOT match unrelated transfers")
	}

	byID := &Client{sub: Subscription{EscrowIDs: []int64{1}}}
	if !byID.wants(&Event{Event: "settlement.released", Transfer: held}) {
		t.Error("transfer events should match on their escrow id")
	}
	if byID.wants(&Event{Event: "settlement.released", Transfer: unrelated}) {
		t.Error("should NOT receive transfers for other escrows")
	}
}

// ---------------------------------------------------------------------------
// hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.PublishEscrowEvent("escrow.created", &escrow.Escrow{ID: 1, Status: escrow.StatusCreated})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_FilteredPublish(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants dispute events.
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Events: []string{"dispute.*"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.PublishEscrowEvent("escrow.created", &escrow.Escrow{ID: 1})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive escrow event")
	default:
		// Good - filtered out
	}

	h.PublishDisputeEvent("dispute.opened", &dispute.Dispute{EscrowID: 1})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
