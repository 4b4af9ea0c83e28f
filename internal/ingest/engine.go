// Package ingest applies network events to the store: inbound messages
// (deduplicated against what is already stored), delivery acks and read
// receipts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/anomess/internal/bus"
	"github.com/matheus3301/anomess/internal/store"
	"go.uber.org/zap"
)

// Bus kinds the transport publishes.
const (
	EventMessage     = "transport.message"
	EventReadReceipt = "transport.read"
	EventDeliveryAck = "transport.ack"
)

// ErrKeyMismatch is returned when a peer presents a public key different from
// the one pinned on its contact. The message is not stored.
var ErrKeyMismatch = errors.New("public key does not match pinned key")

// InboundMessage is a payload the transport has already authenticated.
type InboundMessage struct {
	Sender          string
	Content         string
	Type            store.MessageType
	MediaPath       *string
	SenderTimestamp int64   // the sender's clock; doubles as the message's network identity
	PublicKey       *string // sender key as presented on the wire, if any

	// Quote of an earlier message, identified the same way FindMessageID does.
	ReplyToSender    *string
	ReplyToTimestamp *int64
	ReplyToContent   *string
}

// ReadReceipt says the peer has read everything we sent up to UpTo.
type ReadReceipt struct {
	Peer string
	UpTo int64
}

// DeliveryAck says the peer received our message stamped Timestamp.
type DeliveryAck struct {
	Peer      string
	Timestamp int64
}

// Engine handles exactly-once ingestion of transport events into the store.
// Events from the bus are processed one at a time, so a redelivery can never
// race the dedup lookup of the original.
type Engine struct {
	db           *store.DB
	bus          *bus.Bus
	logger       *zap.Logger
	localAddress string
	now          func() int64

	mu     sync.Mutex // serializes IngestMessage: dedup lookup through insert
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new ingest engine for the identity at localAddress.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger, localAddress string) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:           db,
		bus:          b,
		logger:       logger,
		localAddress: localAddress,
		now:          func() int64 { return time.Now().UnixMilli() },
	}
}

// Start subscribes to transport events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("transport.", 256)
	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event in progress.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch p := evt.Payload.(type) {
	case *InboundMessage:
		if _, _, err := e.IngestMessage(ctx, p); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err),
				zap.String("peer", p.Sender), zap.Int64("sender_ts", p.SenderTimestamp))
		}
	case ReadReceipt:
		if err := e.ApplyReadReceipt(ctx, p); err != nil {
			e.logger.Error("failed to apply read receipt", zap.Error(err), zap.String("peer", p.Peer))
		}
	case DeliveryAck:
		if _, err := e.ApplyDeliveryAck(ctx, p); err != nil {
			e.logger.Error("failed to apply delivery ack", zap.Error(err), zap.String("peer", p.Peer))
		}
	default:
		e.logger.Warn("unexpected transport event", zap.String("kind", evt.Kind), zap.Any("payload", evt.Payload))
	}
}

// IngestMessage stores in unless it was stored before. It returns the id of
// the stored row and whether in was a duplicate. Calls are serialized, so
// concurrent redeliveries through the same Engine store one row. Writers that
// bypass the Engine are not deduplicated against.
func (e *Engine) IngestMessage(ctx context.Context, in *InboundMessage) (int64, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, found, err := e.db.FindMessageID(ctx, in.Sender, in.SenderTimestamp)
	if err != nil {
		return 0, false, fmt.Errorf("dedup lookup: %w", err)
	}
	if found {
		e.logger.Debug("dropping redelivered message", zap.String("peer", in.Sender), zap.Int64("msg_id", id))
		return id, true, nil
	}

	if err := e.pinKey(ctx, in.Sender, in.PublicKey); err != nil {
		return 0, false, err
	}

	senderTs := in.SenderTimestamp
	m := &store.Message{
		SenderAddress:   in.Sender,
		ReceiverAddress: e.localAddress,
		Content:         in.Content,
		Timestamp:       e.now(),
		Type:            in.Type,
		MediaPath:       in.MediaPath,
		SenderTimestamp: &senderTs,
		Status:          store.StatusDelivered,
		ReplyToContent:  in.ReplyToContent,
	}
	if in.ReplyToSender != nil && in.ReplyToTimestamp != nil {
		replyID, ok, err := e.db.FindMessageID(ctx, *in.ReplyToSender, *in.ReplyToTimestamp)
		if err != nil {
			return 0, false, fmt.Errorf("resolve reply: %w", err)
		}
		if ok {
			m.ReplyToMessageID = &replyID
		} else {
			e.logger.Info("quoted message not found", zap.String("peer", in.Sender), zap.Int64("reply_ts", *in.ReplyToTimestamp))
		}
	}

	id, err = e.db.InsertMessage(ctx, m)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// pinKey applies trust on first use: the first key seen for a peer is stored
// and any later key must match it. Unknown peers presenting a key get a
// placeholder contact.
func (e *Engine) pinKey(ctx context.Context, address string, key *string) error {
	if key == nil {
		return nil
	}
	c, err := e.db.GetContact(ctx, address)
	if err != nil {
		return fmt.Errorf("get contact: %w", err)
	}
	switch {
	case c == nil:
		e.logger.Info("new contact, trusting first key", zap.String("peer", address))
		return e.db.InsertContact(ctx, &store.Contact{
			Address:   address,
			Name:      PlaceholderName(address),
			PublicKey: key,
		})
	case c.PublicKey == nil:
		e.logger.Info("pinning key for existing contact", zap.String("peer", address))
		return e.db.UpdatePublicKey(ctx, address, *key)
	case *c.PublicKey != *key:
		e.logger.Warn("public key mismatch", zap.String("peer", address))
		return fmt.Errorf("%s: %w", address, ErrKeyMismatch)
	}
	return nil
}

// PlaceholderName is the display name given to contacts created on first contact.
func PlaceholderName(address string) string {
	prefix := address
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	return "Unknown_" + prefix
}

// ApplyReadReceipt marks our messages read up to r.UpTo.
func (e *Engine) ApplyReadReceipt(ctx context.Context, r ReadReceipt) error {
	return e.db.MarkMessageAsReadByPeer(ctx, r.UpTo)
}

// ApplyDeliveryAck moves the acknowledged message to DELIVERED. Only a message
// sent to a.Peer matches. It reports false if no stored message matches.
func (e *Engine) ApplyDeliveryAck(ctx context.Context, a DeliveryAck) (bool, error) {
	id, ok, err := e.db.FindOutgoingMessageID(ctx, a.Peer, a.Timestamp)
	if err != nil {
		return false, err
	}
	if !ok {
		e.logger.Info("ack for unknown message", zap.String("peer", a.Peer), zap.Int64("ts", a.Timestamp))
		return false, nil
	}
	return true, e.db.UpdateStatus(ctx, id, store.StatusDelivered)
}
