// Package transport defines the messaging transport contract the dispatch
// engine drives. Adapters own session setup; the engine only sees Sender.
package transport

import (
	"context"
	"errors"
)

// AckLevel is the ordinal delivery stage the transport reports for a message.
type AckLevel int

const (
	AckError     AckLevel = -1
	AckPending   AckLevel = 0
	AckServer    AckLevel = 1
	AckDelivered AckLevel = 2
	AckRead      AckLevel = 3
	AckPlayed    AckLevel = 4
)

// Terminal reports whether no further tracking is needed.
func (l AckLevel) Terminal() bool { return l >= AckDelivered }

func (l AckLevel) String() string {
	switch l {
	case AckError:
		return "error"
	case AckPending:
		return "pending"
	case AckServer:
		return "server"
	case AckDelivered:
		return "delivered"
	case AckRead:
		return "read"
	case AckPlayed:
		return "played"
	default:
		return "unknown"
	}
}

// Ack is one delivery-acknowledgement event.
type Ack struct {
	MessageID string
	Level     AckLevel
}

// Peer is a resolved conversation or contact.
type Peer struct {
	ID    string
	Name  string
	Phone string
}

// MessageRef identifies a sent message. ID is unique across chats.
type MessageRef struct {
	ID     string
	ChatID string
}

// Media is one file attachment.
type Media struct {
	Path    string
	Caption string
}

var (
	ErrNotFound    = errors.New("transport: peer not found")
	ErrUnsupported = errors.New("transport: operation not supported")
)

// Sender is the subset of the transport the dispatch and undo engines use.
//
// SendText and SendContacts may fan out into several messages (long text,
// one card per message); they return every message that went out, also
// alongside an error.
type Sender interface {
	Resolve(ctx context.Context, id string) (Peer, error)
	SendText(ctx context.Context, to Peer, text string) ([]MessageRef, error)
	SendMedia(ctx context.Context, to Peer, m Media) (MessageRef, error)
	SendContacts(ctx context.Context, to Peer, cards []Peer) ([]MessageRef, error)
	FetchRecent(ctx context.Context, chat Peer, limit int) ([]MessageRef, error)
	Retract(ctx context.Context, ref MessageRef) error
}

// DirectRetracter is implemented by transports that delete a message by id
// without reading the chat back first. RetractByID reports ErrNotFound when
// the message is gone or too old to delete.
type DirectRetracter interface {
	RetractByID(ctx context.Context, ref MessageRef) error
}

// Adapter is an authenticated transport session.
// Start begins streaming acknowledgement events into acks.
type Adapter interface {
	Sender
	Start(ctx context.Context, acks chan<- Ack) error
	Stop(ctx context.Context) error
}
