package store

import "fmt"

// Contact is a peer known by its onion address.
type Contact struct {
	Address   string  `db:"onionAddress" json:"address"`
	Name      string  `db:"name" json:"name"`
	PublicKey *string `db:"publicKey" json:"public_key,omitempty"` // nil until keys are exchanged
}

// Status is the delivery state of a message.
type Status int

const (
	StatusSending   Status = 0
	StatusSent      Status = 1
	StatusPending   Status = 2
	StatusDelivered Status = 3
	StatusFailed    Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "SENDING"
	case StatusSent:
		return "SENT"
	case StatusPending:
		return "PENDING"
	case StatusDelivered:
		return "DELIVERED"
	case StatusFailed:
		return "FAILED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MessageType is the payload kind. The store never interprets it.
type MessageType int

const (
	TypeText  MessageType = 0
	TypeImage MessageType = 1
	TypeAudio MessageType = 2
	TypeFile  MessageType = 3
)

// Message is a single stored message, either authored locally (IsMine) or
// received from a peer.
//
// The zero Status is StatusSending, which PendingMessages skips until the next
// RequeueInFlight. A locally authored message meant for the outbox must carry
// StatusPending; NewOutgoingMessage sets it.
type Message struct {
	ID               int64       `db:"id" json:"id"`
	SenderAddress    string      `db:"senderOnionAddress" json:"sender"`
	ReceiverAddress  string      `db:"receiverOnionAddress" json:"receiver"`
	Content          string      `db:"content" json:"content"`
	Timestamp        int64       `db:"timestamp" json:"timestamp"`
	IsMine           bool        `db:"isMine" json:"is_mine"`
	IsRead           bool        `db:"isRead" json:"is_read"`
	Type             MessageType `db:"type" json:"type"`
	MediaPath        *string     `db:"mediaPath" json:"media_path,omitempty"`
	SenderTimestamp  *int64      `db:"senderTimestamp" json:"sender_timestamp,omitempty"` // peer clock, received messages only
	Status           Status      `db:"status" json:"status"`
	ReplyToMessageID *int64      `db:"replyToMessageId" json:"reply_to_id,omitempty"`
	ReplyToContent   *string     `db:"replyToContent" json:"reply_to_content,omitempty"` // snapshot, survives deletion of the original
}

// Peer returns the address on the other side of the conversation.
func (m *Message) Peer() string {
	if m.IsMine {
		return m.ReceiverAddress
	}
	return m.SenderAddress
}
