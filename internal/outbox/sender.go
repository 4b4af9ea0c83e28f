package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/anomess/internal/bus"
	"github.com/matheus3301/anomess/internal/link"
	"github.com/matheus3301/anomess/internal/store"
	"go.uber.org/zap"
)

// Outbox events.
const (
	EventSendAck    = "message.send_ack"
	EventSendFailed = "message.send_failed"
)

// ErrUndeliverable marks a send failure that retrying will not fix. The
// message goes to FAILED instead of back to PENDING.
var ErrUndeliverable = errors.New("message undeliverable")

// DefaultInterval is how often pending messages are retried.
const DefaultInterval = 30 * time.Second

// Transport hands a locally authored message to the network.
type Transport interface {
	Send(ctx context.Context, m *store.Message) error
}

// SendResult is the payload of EventSendAck and EventSendFailed.
type SendResult struct {
	MessageID int64
	Peer      string
	Status    store.Status
	Err       error
}

// Sender resends PENDING messages whenever the link is up.
type Sender struct {
	db        *store.DB
	transport Transport
	link      *link.Machine
	bus       *bus.Bus
	logger    *zap.Logger
	interval  time.Duration

	mu     sync.Mutex // serializes rounds
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a new outbox sender. A nil machine means the link is
// always considered online; interval <= 0 selects DefaultInterval.
func NewSender(db *store.DB, t Transport, m *link.Machine, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sender{
		db:        db,
		transport: t,
		link:      m,
		bus:       b,
		logger:    logger,
		interval:  interval,
		kick:      make(chan struct{}, 1),
	}
}

// Start requeues messages interrupted mid-send by a previous run and begins
// retrying the outbox in the background.
func (s *Sender) Start(ctx context.Context) error {
	n, err := s.db.RequeueInFlight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("requeued in-flight messages", zap.Int64("count", n))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	var linkEvents <-chan bus.Event
	unsub := func() {}
	if s.bus != nil {
		linkEvents, unsub = s.bus.SubscribeKinds(4, link.EventStatusChanged)
	}
	go s.loop(ctx, linkEvents, unsub)
	return nil
}

// Stop stops the sender loop and waits for an in-progress round.
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Kick asks for a round as soon as possible, e.g. after a new message is queued.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context, linkEvents <-chan bus.Event, unsub func()) {
	defer close(s.done)
	defer unsub()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.ProcessPending(ctx)
	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-s.kick:
			s.ProcessPending(ctx)
		case evt := <-linkEvents:
			if change, ok := evt.Payload.(link.Change); ok && change.To == link.Online {
				s.ProcessPending(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending makes one pass over the PENDING messages. It does nothing
// while the link is not online.
func (s *Sender) ProcessPending(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link != nil && !s.link.Online() {
		return
	}
	pending, err := s.db.PendingMessages(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to read pending messages", zap.Error(err))
		}
		return
	}

	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		if s.link != nil && !s.link.Online() {
			s.logger.Info("link went down, pausing outbox", zap.Int("remaining", len(pending)-i))
			return
		}
		s.send(ctx, &pending[i])
	}
}

func (s *Sender) send(ctx context.Context, m *store.Message) {
	// Claim the row. It may have been acked, deleted or claimed since the
	// pending list was read.
	claimed, err := s.db.TransitionStatus(ctx, m.ID, store.StatusPending, store.StatusSending)
	if err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.Int64("msg_id", m.ID))
		return
	}
	if !claimed {
		s.logger.Debug("message no longer pending, skipping", zap.Int64("msg_id", m.ID))
		return
	}

	sendErr := s.transport.Send(ctx, m)
	next := store.StatusSent
	switch {
	case sendErr == nil:
	case errors.Is(sendErr, ErrUndeliverable):
		next = store.StatusFailed
	default:
		next = store.StatusPending
	}

	// The status write must land even if ctx was cancelled mid-send,
	// otherwise the row would sit in SENDING until the next start-up. It only
	// applies while the row is still SENDING: an ack that arrived during Send
	// has already moved it to DELIVERED.
	moved, err := s.db.TransitionStatus(context.WithoutCancel(ctx), m.ID, store.StatusSending, next)
	if err != nil {
		s.logger.Error("failed to record send result", zap.Error(err), zap.Int64("msg_id", m.ID), zap.Stringer("status", next))
		return
	}
	if !moved {
		if cur, err := s.db.GetMessage(context.WithoutCancel(ctx), m.ID); err == nil && cur != nil {
			next = cur.Status
		}
		s.logger.Info("status changed during send, keeping it", zap.Int64("msg_id", m.ID), zap.Stringer("status", next))
	}

	result := SendResult{MessageID: m.ID, Peer: m.ReceiverAddress, Status: next, Err: sendErr}
	if sendErr != nil {
		s.logger.Warn("failed to send message", zap.Error(sendErr), zap.Int64("msg_id", m.ID), zap.Stringer("status", next))
		s.publish(EventSendFailed, result)
		return
	}
	s.logger.Info("message sent", zap.Int64("msg_id", m.ID), zap.String("peer", m.ReceiverAddress))
	s.publish(EventSendAck, result)
}

func (s *Sender) publish(kind string, r SendResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Payload: r})
}
