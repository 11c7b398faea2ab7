// Package messaging orchestrates the marketplace messaging core:
// validation, thread-key derivation, persistence, read-state updates,
// retraction, and fan-out to live connections.
package messaging

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/parleymarket/parley/internal/database"
	"github.com/parleymarket/parley/internal/logger"
	"github.com/parleymarket/parley/internal/models"
	"github.com/parleymarket/parley/internal/thread"
)

// RetractionWindow is how long a sender may delete their own message,
// measured from CreatedAt. Past it the message is permanently immutable.
const RetractionWindow = 2 * time.Minute

// Validation and permission errors surfaced to callers. Handlers map
// these to HTTP statuses; the websocket path reports them as error
// frames.
var (
	ErrEmptyContent      = errors.New("message content cannot be empty")
	ErrSelfMessage       = errors.New("sender and receiver must differ")
	ErrMissingRecipient  = errors.New("receiver id is required")
	ErrMissingListing    = errors.New("listing id is required")
	ErrMissingThread     = errors.New("thread id is required")
	ErrThreadKeyMismatch = errors.New("supplied thread id does not match the derived thread key")
	ErrReceiverNotFound  = errors.New("receiver not found")
	ErrListingNotFound   = errors.New("listing not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrNotSender         = errors.New("only the sender can retract a message")
	ErrRetractionExpired = errors.New("retraction window has expired")
)

var log = logger.New("messaging")

// MessageStore is the persistence surface the service needs. Implemented
// by database.PostgresDB; missing rows are reported with the database
// package's sentinel errors.
type MessageStore interface {
	CreateMessage(senderID, receiverID, listingID uuid.UUID, threadID, content string) (*models.Message, error)
	GetMessageByID(messageID uuid.UUID) (*models.Message, error)
	GetThreadMessages(threadID string, offset, limit int) ([]*models.Message, int, error)
	GetThreadSummaries(userID uuid.UUID, offset, limit int) ([]*models.ThreadSummary, int, error)
	MarkThreadRead(userID uuid.UUID, threadID string) (int64, error)
	MarkMessagesRead(userID uuid.UUID, messageIDs []uuid.UUID) (int64, error)
	DeleteMessage(messageID uuid.UUID) error
	SearchMessages(userID uuid.UUID, query string, offset, limit int) ([]*models.Message, int, error)
	CountUnread(userID uuid.UUID) (int, error)
}

// ListingDirectory resolves listings and receives the inquiry signal.
type ListingDirectory interface {
	GetListingByID(id uuid.UUID) (*models.Listing, error)
	IncrementListingInquiries(id uuid.UUID) error
}

// UserDirectory resolves counterpart users for existence checks and
// thread-list display metadata.
type UserDirectory interface {
	GetUserByID(id uuid.UUID) (*models.User, error)
}

// Notifier is the push side of the service. Delivery is best-effort:
// the message is already durable before either method is called, so
// implementations must never fail the primary operation.
type Notifier interface {
	NotifyMessage(message *models.Message)
	NotifyRead(threadID string, readerID uuid.UUID)
}

// Service is the messaging orchestrator.
type Service struct {
	store    MessageStore
	listings ListingDirectory
	users    UserDirectory
	notifier Notifier

	// now is swapped in tests to exercise the retraction window.
	now func() time.Time
}

// NewService creates the messaging service. The push notifier is wired
// afterwards via SetNotifier because the gateway needs the service for
// inbound commands.
func NewService(store MessageStore, listings ListingDirectory, users UserDirectory) *Service {
	return &Service{
		store:    store,
		listings: listings,
		users:    users,
		now:      time.Now,
	}
}

// SetNotifier attaches the push gateway. A nil notifier is valid; the
// service then persists without fan-out.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Send validates, persists, and fans out a new message. The thread key
// is always derived from the participants and the listing; a supplied
// ThreadID that disagrees with the derivation is rejected outright.
func (s *Service) Send(senderID uuid.UUID, req *models.SendMessageRequest) (*models.Message, error) {
	if req.ReceiverID == uuid.Nil {
		return nil, ErrMissingRecipient
	}
	if req.ListingID == uuid.Nil {
		return nil, ErrMissingListing
	}
	if req.Content == "" {
		return nil, ErrEmptyContent
	}
	if req.ReceiverID == senderID {
		return nil, ErrSelfMessage
	}

	key := thread.DeriveKey(senderID, req.ReceiverID, req.ListingID)
	if req.ThreadID != "" && req.ThreadID != key {
		return nil, ErrThreadKeyMismatch
	}

	if _, err := s.listings.GetListingByID(req.ListingID); err != nil {
		if errors.Is(err, database.ErrListingNotFound) {
			return nil, ErrListingNotFound
		}
		return nil, err
	}

	if _, err := s.users.GetUserByID(req.ReceiverID); err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrReceiverNotFound
		}
		return nil, err
	}

	message, err := s.store.CreateMessage(senderID, req.ReceiverID, req.ListingID, key, req.Content)
	if err != nil {
		return nil, err
	}

	// The inquiry counter is not part of the messaging contract; a
	// failed bump must not fail the send.
	if err := s.listings.IncrementListingInquiries(req.ListingID); err != nil {
		log.Warn("Failed to increment inquiry count for listing %s: %v", req.ListingID, err)
	}

	if s.notifier != nil {
		s.notifier.NotifyMessage(message)
	}

	return message, nil
}

// Conversation returns one page of the thread between the viewer and
// another user about a listing, oldest message first. Read state is
// untouched; marking read is a separate operation so clients can
// prefetch without affecting unread counts.
func (s *Service) Conversation(viewerID, otherUserID, listingID uuid.UUID, page, limit int) (*models.ConversationPage, error) {
	page, limit = normalizePage(page, limit, 20)

	key := thread.DeriveKey(viewerID, otherUserID, listingID)
	messages, total, err := s.store.GetThreadMessages(key, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	// The store returns newest-first so the skip/limit lands on the most
	// recent page; flip to chronological order for display.
	reverse(messages)
	if messages == nil {
		messages = []*models.Message{}
	}

	return &models.ConversationPage{
		Messages:   messages,
		Total:      total,
		Page:       page,
		TotalPages: totalPages(total, limit),
	}, nil
}

// Threads returns one page of the viewer's thread list, newest activity
// first. Listing and counterpart metadata are enrichment: a failed
// lookup for one thread is logged and that thread ships without it.
func (s *Service) Threads(viewerID uuid.UUID, page, limit int) (*models.ThreadPage, error) {
	page, limit = normalizePage(page, limit, 10)

	summaries, total, err := s.store.GetThreadSummaries(viewerID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	for _, summary := range summaries {
		listing, err := s.listings.GetListingByID(summary.ListingID)
		if err != nil {
			log.Warn("Failed to resolve listing %s for thread %s: %v", summary.ListingID, summary.ThreadID, err)
		} else {
			summary.Listing = listing.Preview()
		}

		otherID := summary.LastMessage.SenderID
		if otherID == viewerID {
			otherID = summary.LastMessage.ReceiverID
		}
		user, err := s.users.GetUserByID(otherID)
		if err != nil {
			log.Warn("Failed to resolve user %s for thread %s: %v", otherID, summary.ThreadID, err)
		} else {
			summary.OtherUser = user.Preview()
		}
	}

	if summaries == nil {
		summaries = []*models.ThreadSummary{}
	}

	return &models.ThreadPage{
		Threads:    summaries,
		Total:      total,
		Page:       page,
		TotalPages: totalPages(total, limit),
	}, nil
}

// MarkThreadRead flips every unread message addressed to the viewer in
// the thread. Idempotent; the read event is pushed to the counterpart
// only when something actually changed.
func (s *Service) MarkThreadRead(viewerID uuid.UUID, threadID string) error {
	if threadID == "" {
		return ErrMissingThread
	}

	affected, err := s.store.MarkThreadRead(viewerID, threadID)
	if err != nil {
		return err
	}

	if affected > 0 && s.notifier != nil {
		s.notifier.NotifyRead(threadID, viewerID)
	}

	return nil
}

// MarkMessagesRead flips an explicit id set. Ids not addressed to the
// viewer are skipped by the store, so a receiver cannot mark someone
// else's inbound messages on their behalf.
func (s *Service) MarkMessagesRead(viewerID uuid.UUID, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}

	_, err := s.store.MarkMessagesRead(viewerID, messageIDs)
	return err
}

// Retract hard-deletes a message. Only the original sender may retract,
// and only within RetractionWindow of creation; the two failure modes
// are distinguishable so clients can hide the control proactively.
func (s *Service) Retract(requesterID, messageID uuid.UUID) error {
	message, err := s.store.GetMessageByID(messageID)
	if err != nil {
		if errors.Is(err, database.ErrMessageNotFound) {
			return ErrMessageNotFound
		}
		return err
	}

	if message.SenderID != requesterID {
		return ErrNotSender
	}

	if s.now().Sub(message.CreatedAt) > RetractionWindow {
		return ErrRetractionExpired
	}

	return s.store.DeleteMessage(messageID)
}

// Search returns one page of free-text matches over the viewer's
// messages, newest first. A blank query is an empty page, not an error.
func (s *Service) Search(viewerID uuid.UUID, query string, page, limit int) (*models.SearchPage, error) {
	page, limit = normalizePage(page, limit, 10)

	if query == "" {
		return &models.SearchPage{Messages: []*models.Message{}, Page: page}, nil
	}

	messages, total, err := s.store.SearchMessages(viewerID, query, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	if messages == nil {
		messages = []*models.Message{}
	}

	return &models.SearchPage{
		Messages:   messages,
		Total:      total,
		Page:       page,
		TotalPages: totalPages(total, limit),
	}, nil
}

// UnreadCount returns how many messages addressed to the viewer are
// still unread, across all threads.
func (s *Service) UnreadCount(viewerID uuid.UUID) (int, error) {
	return s.store.CountUnread(viewerID)
}

func normalizePage(page, limit, defaultLimit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

func totalPages(total, limit int) int {
	return (total + limit - 1) / limit
}

func reverse(messages []*models.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
