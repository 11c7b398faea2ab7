package models

import (
	"time"

	"github.com/google/uuid"
)

// Message represents a single marketplace message. Messages are
// append-only; the only mutable field after creation is IsRead.
type Message struct {
	ID         uuid.UUID  `json:"id"`
	ThreadID   string     `json:"thread_id"`
	ListingID  uuid.UUID  `json:"listing_id"`
	SenderID   uuid.UUID  `json:"sender_id"`
	ReceiverID uuid.UUID  `json:"receiver_id"`
	Content    string     `json:"content"`
	IsRead     bool       `json:"is_read"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// SendMessageRequest is the structure for message creation requests.
// ThreadID is optional; when present it must match the key derived from
// the participants and the listing.
type SendMessageRequest struct {
	ReceiverID uuid.UUID `json:"receiver_id" binding:"required"`
	ListingID  uuid.UUID `json:"listing_id" binding:"required"`
	Content    string    `json:"content" binding:"required,min=1"`
	ThreadID   string    `json:"thread_id,omitempty"`
}

// MarkMessagesReadRequest carries an explicit set of message ids to flip
// to read on behalf of the authenticated receiver.
type MarkMessagesReadRequest struct {
	MessageIDs []uuid.UUID `json:"message_ids" binding:"required,min=1"`
}

// ConversationPage is one page of a single thread, oldest message first.
type ConversationPage struct {
	Messages   []*Message `json:"messages"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	TotalPages int        `json:"total_pages"`
}

// ThreadSummary is the per-thread row of the inbox view: the newest
// message plus counts, enriched with listing and counterpart metadata.
// A thread is a computed grouping over messages; nothing here is stored.
type ThreadSummary struct {
	ThreadID     string          `json:"thread_id"`
	ListingID    uuid.UUID       `json:"listing_id"`
	LastMessage  *Message        `json:"last_message"`
	MessageCount int             `json:"message_count"`
	UnreadCount  int             `json:"unread_count"`
	Listing      *ListingPreview `json:"listing,omitempty"`
	OtherUser    *UserPreview    `json:"other_user,omitempty"`
}

// ThreadPage is one page of thread summaries, newest activity first.
type ThreadPage struct {
	Threads    []*ThreadSummary `json:"threads"`
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	TotalPages int              `json:"total_pages"`
}

// SearchPage is one page of free-text matches, newest first.
type SearchPage struct {
	Messages   []*Message `json:"messages"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	TotalPages int        `json:"total_pages"`
}
