package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const messageColumns = `id, senderOnionAddress, receiverOnionAddress, content, timestamp, isMine, isRead,
	type, mediaPath, senderTimestamp, status, replyToMessageId, replyToContent`

// deleteChunk bounds the number of bound parameters per DELETE statement.
// SQLite builds before 3.32 cap host parameters at 999.
const deleteChunk = 500

// NewOutgoingMessage returns a locally authored text message in PENDING state.
func NewOutgoingMessage(from, to, content string, timestamp int64) *Message {
	return &Message{
		SenderAddress:   from,
		ReceiverAddress: to,
		Content:         content,
		Timestamp:       timestamp,
		IsMine:          true,
		Type:            TypeText,
		Status:          StatusPending,
	}
}

// NewIncomingMessage returns a received text message. receivedAt is the local
// clock, senderTimestamp the clock the peer attached.
func NewIncomingMessage(from, to, content string, receivedAt, senderTimestamp int64) *Message {
	return &Message{
		SenderAddress:   from,
		ReceiverAddress: to,
		Content:         content,
		Timestamp:       receivedAt,
		SenderTimestamp: &senderTimestamp,
		Type:            TypeText,
		Status:          StatusDelivered,
	}
}

// InsertMessage stores m and returns its id. A zero m.ID asks the store for a
// fresh id; a non-zero id that already exists fails with ErrIDConflict and
// leaves the existing row untouched. On success m.ID is set.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	var id int64
	err := db.withTx(ctx, []string{TableMessages}, func(tx *sqlx.Tx) error {
		q := `INSERT INTO messages (senderOnionAddress, receiverOnionAddress, content, timestamp, isMine, isRead,
				type, mediaPath, senderTimestamp, status, replyToMessageId, replyToContent)
			VALUES (:senderOnionAddress, :receiverOnionAddress, :content, :timestamp, :isMine, :isRead,
				:type, :mediaPath, :senderTimestamp, :status, :replyToMessageId, :replyToContent)`
		if m.ID != 0 {
			q = `INSERT INTO messages (` + messageColumns + `)
			VALUES (:id, :senderOnionAddress, :receiverOnionAddress, :content, :timestamp, :isMine, :isRead,
				:type, :mediaPath, :senderTimestamp, :status, :replyToMessageId, :replyToContent)`
		}
		res, err := tx.NamedExecContext(ctx, q, m)
		if err != nil {
			if isPrimaryKeyConflict(err) {
				return fmt.Errorf("insert message %d: %w", m.ID, ErrIDConflict)
			}
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

// GetMessage returns the message with id, or nil if there is none.
func (db *DB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(ctx, "get message", err)
	}
	return &m, nil
}

// DeleteMessages removes every message whose id is in ids, all or nothing.
func (db *DB) DeleteMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return db.withTx(ctx, []string{TableMessages}, func(tx *sqlx.Tx) error {
		for start := 0; start < len(ids); start += deleteChunk {
			end := min(start+deleteChunk, len(ids))
			q, args, err := sqlx.In(`DELETE FROM messages WHERE id IN (?)`, ids[start:end])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
				return fmt.Errorf("delete messages [%d:%d]: %w", start, end, err)
			}
		}
		return nil
	})
}

// ClearConversation removes every message sent to or received from address.
func (db *DB) ClearConversation(ctx context.Context, address string) error {
	return db.withTx(ctx, []string{TableMessages}, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE senderOnionAddress = ? OR receiverOnionAddress = ?`, address, address)
		return err
	})
}

// UpdateStatus sets the delivery status of one message. Transition legality
// is the caller's business; any status may overwrite any other. Callers racing
// other writers use TransitionStatus instead.
func (db *DB) UpdateStatus(ctx context.Context, id int64, status Status) error {
	return db.withTx(ctx, []string{TableMessages}, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, status, id)
		return err
	})
}

// TransitionStatus moves message id from status from to status to. It reports
// false, and writes nothing, when the row is missing or no longer in from, so
// a concurrent writer that already moved the message on is never overwritten.
func (db *DB) TransitionStatus(ctx context.Context, id int64, from, to Status) (bool, error) {
	var moved bool
	err := db.withTx(ctx, []string{TableMessages}, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ? AND status = ?`, to, id, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		moved = n > 0
		return err
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

// PendingMessages returns every PENDING message, oldest first.
func (db *DB) PendingMessages(ctx context.Context) ([]Message, error) {
	msgs := []Message{}
	if err := db.SelectContext(ctx, &msgs, `
		SELECT `+messageColumns+` FROM messages
		WHERE status = ?
		ORDER BY timestamp ASC, id ASC`, StatusPending); err != nil {
		return nil, wrapErr(ctx, "pending messages", err)
	}
	return msgs, nil
}

// RequeueInFlight moves locally authored messages left in SENDING (the
// process died mid-send) back to PENDING. Returns how many were moved.
func (db *DB) RequeueInFlight(ctx context.Context) (int64, error) {
	var n int64
	err := db.withTx(ctx, []string{TableMessages}, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = ?
			WHERE status = ? AND isMine = 1`, StatusPending, StatusSending)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ConversationMessages returns the conversation with address, oldest first.
func (db *DB) ConversationMessages(ctx context.Context, address string) ([]Message, error) {
	msgs := []Message{}
	if err := db.SelectContext(ctx, &msgs, `
		SELECT `+messageColumns+` FROM messages
		WHERE senderOnionAddress = ? OR receiverOnionAddress = ?
		ORDER BY timestamp ASC, id ASC`, address, address); err != nil {
		return nil, wrapErr(ctx, "conversation messages", err)
	}
	return msgs, nil
}

// LastMessage returns the newest message in the conversation with address,
// or nil if the conversation is empty.
func (db *DB) LastMessage(ctx context.Context, address string) (*Message, error) {
	var m Message
	err := db.GetContext(ctx, &m, `
		SELECT `+messageColumns+` FROM messages
		WHERE senderOnionAddress = ? OR receiverOnionAddress = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, address, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(ctx, "last message", err)
	}
	return &m, nil
}

// AllMessages returns every message, newest first.
func (db *DB) AllMessages(ctx context.Context) ([]Message, error) {
	msgs := []Message{}
	if err := db.SelectContext(ctx, &msgs, `
		SELECT `+messageColumns+` FROM messages
		ORDER BY timestamp DESC, id DESC`); err != nil {
		return nil, wrapErr(ctx, "all messages", err)
	}
	return msgs, nil
}

// UnreadCount returns how many messages from address are still unread.
func (db *DB) UnreadCount(ctx context.Context, address string) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM messages
		WHERE senderOnionAddress = ? AND isRead = 0`, address); err != nil {
		return 0, wrapErr(ctx, "unread count", err)
	}
	return n, nil
}

// MarkMessagesAsRead marks every message received from address as read.
func (db *DB) MarkMessagesAsRead(ctx context.Context, address string) error {
	return db.withTx(ctx, []string{TableMessages}, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET isRead = 1
			WHERE senderOnionAddress = ? AND isRead = 0`, address)
		return err
	})
}

// MarkMessageAsReadByPeer applies a cumulative read receipt: every locally
// authored message with timestamp <= upTo becomes read.
func (db *DB) MarkMessageAsReadByPeer(ctx context.Context, upTo int64) error {
	return db.withTx(ctx, []string{TableMessages}, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET isRead = 1
			WHERE timestamp <= ? AND isMine = 1 AND isRead = 0`, upTo)
		return err
	})
}

// FindMessageID resolves a network reference (sender address plus the
// timestamp the sender attached) to a stored message. A locally authored
// message matches on its own timestamp, a received one on senderTimestamp.
// If several rows match, the lowest id (the first stored) wins.
func (db *DB) FindMessageID(ctx context.Context, senderAddress string, timestamp int64) (int64, bool, error) {
	var id int64
	err := db.GetContext(ctx, &id, `
		SELECT id FROM messages
		WHERE senderOnionAddress = ?
		AND (
			(isMine = 1 AND timestamp = ?)
			OR
			(isMine = 0 AND senderTimestamp = ?)
		)
		ORDER BY id ASC
		LIMIT 1`, senderAddress, timestamp, timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr(ctx, "find message id", err)
	}
	return id, true, nil
}

// FindOutgoingMessageID resolves an acknowledgement from peer to the locally
// authored message sent to peer at timestamp. Messages to other peers with the
// same timestamp never match. Lowest id wins.
func (db *DB) FindOutgoingMessageID(ctx context.Context, peer string, timestamp int64) (int64, bool, error) {
	var id int64
	err := db.GetContext(ctx, &id, `
		SELECT id FROM messages
		WHERE isMine = 1 AND receiverOnionAddress = ? AND timestamp = ?
		ORDER BY id ASC
		LIMIT 1`, peer, timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr(ctx, "find outgoing message id", err)
	}
	return id, true, nil
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages`); err != nil {
		return 0, wrapErr(ctx, "message count", err)
	}
	return count, nil
}
