package store

import (
	"context"
	"errors"

	"github.com/matheus3301/anomess/internal/live"
	"go.uber.org/zap"
)

// ErrNoBus is returned by the Watch methods when the DB was opened without WithBus.
var ErrNoBus = errors.New("store opened without a bus")

var (
	contactsChanged = TableEvent(TableContacts)
	messagesChanged = TableEvent(TableMessages)
)

// WatchContacts streams ListContacts.
func (db *DB) WatchContacts(ctx context.Context, logger *zap.Logger) (*live.Subscription[[]Contact], error) {
	if db.bus == nil {
		return nil, ErrNoBus
	}
	return live.Watch[[]Contact](ctx, db.bus, logger, db.ListContacts, contactsChanged), nil
}

// WatchConversation streams ConversationMessages for address. Any write to
// the messages table triggers a re-run, whichever conversation it touched.
func (db *DB) WatchConversation(ctx context.Context, logger *zap.Logger, address string) (*live.Subscription[[]Message], error) {
	if db.bus == nil {
		return nil, ErrNoBus
	}
	return live.Watch[[]Message](ctx, db.bus, logger, func(ctx context.Context) ([]Message, error) {
		return db.ConversationMessages(ctx, address)
	}, messagesChanged), nil
}

// WatchLastMessage streams LastMessage for address; nil while the conversation is empty.
func (db *DB) WatchLastMessage(ctx context.Context, logger *zap.Logger, address string) (*live.Subscription[*Message], error) {
	if db.bus == nil {
		return nil, ErrNoBus
	}
	return live.Watch[*Message](ctx, db.bus, logger, func(ctx context.Context) (*Message, error) {
		return db.LastMessage(ctx, address)
	}, messagesChanged), nil
}

// WatchAllMessages streams AllMessages.
func (db *DB) WatchAllMessages(ctx context.Context, logger *zap.Logger) (*live.Subscription[[]Message], error) {
	if db.bus == nil {
		return nil, ErrNoBus
	}
	return live.Watch[[]Message](ctx, db.bus, logger, db.AllMessages, messagesChanged), nil
}

// WatchUnreadCount streams UnreadCount for address. An address with no
// messages yields 0.
func (db *DB) WatchUnreadCount(ctx context.Context, logger *zap.Logger, address string) (*live.Subscription[int], error) {
	if db.bus == nil {
		return nil, ErrNoBus
	}
	return live.Watch[int](ctx, db.bus, logger, func(ctx context.Context) (int, error) {
		return db.UnreadCount(ctx, address)
	}, messagesChanged), nil
}
