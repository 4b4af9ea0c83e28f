package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/anomess/internal/bus"
	"github.com/matheus3301/anomess/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	me    = "me.onion"
	alice = "abcdefghij.onion"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

func fixedClock(e *Engine, ms int64) {
	e.now = func() int64 { return ms }
}

func TestIngestMessage(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, me)
	fixedClock(e, 50_000)
	ctx := context.Background()

	id, dup, err := e.IngestMessage(ctx, &InboundMessage{Sender: alice, Content: "hello", SenderTimestamp: 42_000})
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("first delivery reported as duplicate")
	}

	m, err := db.GetMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.IsMine || m.IsRead {
		t.Errorf("isMine=%v isRead=%v, want false/false", m.IsMine, m.IsRead)
	}
	if m.ReceiverAddress != me || m.SenderAddress != alice {
		t.Errorf("addresses = %s -> %s, want %s -> %s", m.SenderAddress, m.ReceiverAddress, alice, me)
	}
	if m.Timestamp != 50_000 {
		t.Errorf("timestamp = %d, want local clock 50000", m.Timestamp)
	}
	if m.SenderTimestamp == nil || *m.SenderTimestamp != 42_000 {
		t.Errorf("sender timestamp = %v, want 42000", m.SenderTimestamp)
	}
}

// TestIngestMessageRedeliveryIsDropped covers the network delivering the same
// payload twice: only one row may become visible.
func TestIngestMessageRedeliveryIsDropped(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, me)
	ctx := context.Background()

	in := &InboundMessage{Sender: alice, Content: "once", SenderTimestamp: 1000}
	first, _, err := e.IngestMessage(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	second, dup, err := e.IngestMessage(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !dup || second != first {
		t.Errorf("redelivery = %d, dup=%v; want %d, true", second, dup, first)
	}

	msgs, err := db.ConversationMessages(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func TestIngestMessageResolvesReply(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, me)
	ctx := context.Background()

	mine, err := db.InsertMessage(ctx, store.NewOutgoingMessage(me, alice, "lunch?", 7000))
	if err != nil {
		t.Fatal(err)
	}

	id, _, err := e.IngestMessage(ctx, &InboundMessage{
		Sender:           alice,
		Content:          "sure",
		SenderTimestamp:  8000,
		ReplyToSender:    ptr(me),
		ReplyToTimestamp: ptr(int64(7000)),
		ReplyToContent:   ptr("lunch?"),
	})
	if err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage(ctx, id)
	if m.ReplyToMessageID == nil || *m.ReplyToMessageID != mine {
		t.Errorf("reply id = %v, want %d", m.ReplyToMessageID, mine)
	}

	// Unknown quote still keeps the snapshot.
	id, _, err = e.IngestMessage(ctx, &InboundMessage{
		Sender:           alice,
		Content:          "also",
		SenderTimestamp:  9000,
		ReplyToSender:    ptr(me),
		ReplyToTimestamp: ptr(int64(1)),
		ReplyToContent:   ptr("deleted long ago"),
	})
	if err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessage(ctx, id)
	if m.ReplyToMessageID != nil {
		t.Errorf("reply id = %d, want nil", *m.ReplyToMessageID)
	}
	if m.ReplyToContent == nil || *m.ReplyToContent != "deleted long ago" {
		t.Errorf("reply content = %v", m.ReplyToContent)
	}
}

func TestIngestMessageTrustOnFirstUse(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, me)
	ctx := context.Background()

	// Unknown sender with a key gets a placeholder contact.
	if _, _, err := e.IngestMessage(ctx, &InboundMessage{Sender: alice, Content: "1", SenderTimestamp: 1, PublicKey: ptr("K1")}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetContact(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "Unknown_abcdef" || c.PublicKey == nil || *c.PublicKey != "K1" {
		t.Fatalf("contact = %+v, want Unknown_abcdef with K1", c)
	}

	// Same key is accepted.
	if _, _, err := e.IngestMessage(ctx, &InboundMessage{Sender: alice, Content: "2", SenderTimestamp: 2, PublicKey: ptr("K1")}); err != nil {
		t.Fatal(err)
	}

	// A different key is rejected and nothing is stored.
	_, _, err = e.IngestMessage(ctx, &InboundMessage{Sender: alice, Content: "3", SenderTimestamp: 3, PublicKey: ptr("K2")})
	if !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("err = %v, want ErrKeyMismatch", err)
	}
	msgs, _ := db.ConversationMessages(ctx, alice)
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}
}

func TestIngestMessagePinsKeyOnKnownContact(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, me)
	ctx := context.Background()

	if err := db.AddContact(ctx, alice, "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.IngestMessage(ctx, &InboundMessage{Sender: alice, Content: "hi", SenderTimestamp: 1, PublicKey: ptr("K1")}); err != nil {
		t.Fatal(err)
	}
	c, _ := db.GetContact(ctx, alice)
	if c.Name != "Alice" || c.PublicKey == nil || *c.PublicKey != "K1" {
		t.Errorf("contact = %+v, want Alice with K1", c)
	}
}

func TestApplyDeliveryAck(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, me)
	ctx := context.Background()

	id, err := db.InsertMessage(ctx, store.NewOutgoingMessage(me, alice, "hello", 5000))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := e.ApplyDeliveryAck(ctx, DeliveryAck{Peer: alice, Timestamp: 5000})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("ack did not match the stored message")
	}
	m, _ := db.GetMessage(ctx, id)
	if m.Status != store.StatusDelivered {
		t.Errorf("status = %s, want DELIVERED", m.Status)
	}
	pending, _ := db.PendingMessages(ctx)
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0", len(pending))
	}

	ok, err = e.ApplyDeliveryAck(ctx, DeliveryAck{Peer: alice, Timestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("ack for unknown timestamp matched")
	}
}

// TestEngineBusSubscription verifies the engine processes events from the bus.
func TestEngineBusSubscription(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	e := NewEngine(db, b, logger, me)
	ctx := context.Background()

	sent, err := db.InsertMessage(ctx, store.NewOutgoingMessage(me, alice, "read me", 1000))
	if err != nil {
		t.Fatal(err)
	}

	e.Start(ctx)
	defer e.Stop()

	b.Publish(bus.Event{Kind: EventMessage, Payload: &InboundMessage{Sender: alice, Content: "from bus", SenderTimestamp: 2000}})
	b.Publish(bus.Event{Kind: EventMessage, Payload: &InboundMessage{Sender: alice, Content: "from bus", SenderTimestamp: 2000}})
	b.Publish(bus.Event{Kind: EventDeliveryAck, Payload: DeliveryAck{Peer: alice, Timestamp: 1000}})
	b.Publish(bus.Event{Kind: EventReadReceipt, Payload: ReadReceipt{Peer: alice, UpTo: 1000}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err := db.GetMessage(ctx, sent)
		if err != nil {
			t.Fatal(err)
		}
		if m.IsRead && m.Status == store.StatusDelivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent message = %+v, want read and DELIVERED", m)
		}
		time.Sleep(10 * time.Millisecond)
	}

	unread, err := db.UnreadCount(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if unread != 1 {
		t.Errorf("unread = %d, want 1 (redelivery dropped)", unread)
	}
}

func TestPlaceholderName(t *testing.T) {
	tests := map[string]string{
		"abcdefghij.onion": "Unknown_abcdef",
		"abc":              "Unknown_abc",
		"":                 "Unknown_",
	}
	for in, want := range tests {
		if got := PlaceholderName(in); got != want {
			t.Errorf("PlaceholderName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIngestMessageConcurrentRedeliveries(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, me)
	ctx := context.Background()

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			_, _, err := e.IngestMessage(ctx, &InboundMessage{Sender: alice, Content: "burst", SenderTimestamp: 4242})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ConversationMessages(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func TestApplyDeliveryAckMatchesOnlyAckingPeer(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, me)
	ctx := context.Background()
	const bob = "bobbobbob.onion"

	toAlice, err := db.InsertMessage(ctx, store.NewOutgoingMessage(me, alice, "a", 5000))
	if err != nil {
		t.Fatal(err)
	}
	toBob, err := db.InsertMessage(ctx, store.NewOutgoingMessage(me, bob, "b", 5000))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := e.ApplyDeliveryAck(ctx, DeliveryAck{Peer: bob, Timestamp: 5000})
	if err != nil || !ok {
		t.Fatalf("ApplyDeliveryAck = %v, %v", ok, err)
	}

	a, _ := db.GetMessage(ctx, toAlice)
	b, _ := db.GetMessage(ctx, toBob)
	if a.Status != store.StatusPending {
		t.Errorf("alice's message = %s, want PENDING", a.Status)
	}
	if b.Status != store.StatusDelivered {
		t.Errorf("bob's message = %s, want DELIVERED", b.Status)
	}
}
