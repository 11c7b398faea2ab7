package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/parleymarket/parley/internal/models"
)

// ParticipantResolver looks up the two users of a thread from its
// message rows. Implemented by the message store.
type ParticipantResolver interface {
	GetThreadParticipants(threadID string) (uuid.UUID, uuid.UUID, error)
}

// Gateway bridges the messaging service to the connection registry. It
// implements messaging.Notifier: push is fire-and-forget, at most once
// per connected device, and never fails the operation that triggered it.
type Gateway struct {
	manager  *Manager
	resolver ParticipantResolver
}

// NewGateway creates the push gateway over a registry and a thread
// participant resolver.
func NewGateway(manager *Manager, resolver ParticipantResolver) *Gateway {
	return &Gateway{manager: manager, resolver: resolver}
}

// NotifyMessage fans a persisted message out to every live connection
// of both participants. The sender's own devices receive it too, which
// doubles as the delivery acknowledgement for the sending device.
func (g *Gateway) NotifyMessage(message *models.Message) {
	frame := Frame{
		Type:      FrameNewMessage,
		Message:   message,
		Timestamp: time.Now(),
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error("Error marshaling new_message frame: %v", err)
		return
	}

	g.manager.SendToUser(message.SenderID, payload)
	g.manager.SendToUser(message.ReceiverID, payload)
}

// NotifyRead tells the other participant of a thread that the reader
// caught up, so read receipts flip without a fetch. The counterpart is
// resolved from the thread's own messages.
func (g *Gateway) NotifyRead(threadID string, readerID uuid.UUID) {
	sender, receiver, err := g.resolver.GetThreadParticipants(threadID)
	if err != nil {
		log.Warn("Failed to resolve participants for thread %s: %v", threadID, err)
		return
	}

	other := sender
	if other == readerID {
		other = receiver
	}

	frame := Frame{
		Type:      FrameMessagesRead,
		ThreadID:  threadID,
		UserID:    readerID,
		Timestamp: time.Now(),
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error("Error marshaling messages_read frame: %v", err)
		return
	}

	g.manager.SendToUser(other, payload)
}
