package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parleymarket/parley/internal/messaging"
	"github.com/parleymarket/parley/internal/models"
)

// MessagingService is the service surface the HTTP handlers call.
// Satisfied by *messaging.Service; mocked in tests.
type MessagingService interface {
	Send(senderID uuid.UUID, req *models.SendMessageRequest) (*models.Message, error)
	Conversation(viewerID, otherUserID, listingID uuid.UUID, page, limit int) (*models.ConversationPage, error)
	Threads(viewerID uuid.UUID, page, limit int) (*models.ThreadPage, error)
	MarkThreadRead(viewerID uuid.UUID, threadID string) error
	MarkMessagesRead(viewerID uuid.UUID, messageIDs []uuid.UUID) error
	Retract(requesterID, messageID uuid.UUID) error
	Search(viewerID uuid.UUID, query string, page, limit int) (*models.SearchPage, error)
	UnreadCount(viewerID uuid.UUID) (int, error)
}

// MessageHandler handles message-related routes
type MessageHandler struct {
	Service MessagingService
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(service MessagingService) *MessageHandler {
	return &MessageHandler{Service: service}
}

// SendMessage handles the creation of a new message
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, err := h.Service.Send(userID.(uuid.UUID), &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, message)
}

// GetConversation returns one page of the thread between the
// authenticated user and another user about a listing, oldest first.
func (h *MessageHandler) GetConversation(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	otherUserID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	listingID, err := uuid.Parse(c.Param("listingID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID"})
		return
	}

	page, limit := pageParams(c, 20)

	conversation, err := h.Service.Conversation(userID.(uuid.UUID), otherUserID, listingID, page, limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// GetThreads returns one page of the authenticated user's thread list,
// newest activity first.
func (h *MessageHandler) GetThreads(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	page, limit := pageParams(c, 10)

	threads, err := h.Service.Threads(userID.(uuid.UUID), page, limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, threads)
}

// MarkThreadRead marks every unread message addressed to the
// authenticated user in the thread as read.
func (h *MessageHandler) MarkThreadRead(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	threadID := c.Param("threadID")

	if err := h.Service.MarkThreadRead(userID.(uuid.UUID), threadID); err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Thread marked as read"})
}

// MarkMessagesRead marks an explicit set of message ids as read on
// behalf of the authenticated receiver.
func (h *MessageHandler) MarkMessagesRead(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req models.MarkMessagesReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Service.MarkMessagesRead(userID.(uuid.UUID), req.MessageIDs); err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Messages marked as read"})
}

// DeleteMessage retracts a message the authenticated user sent, within
// the retraction window.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	messageID, err := uuid.Parse(c.Param("messageID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message ID"})
		return
	}

	if err := h.Service.Retract(userID.(uuid.UUID), messageID); err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Message deleted"})
}

// SearchMessages returns one page of free-text matches over the
// authenticated user's messages.
func (h *MessageHandler) SearchMessages(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	page, limit := pageParams(c, 10)

	results, err := h.Service.Search(userID.(uuid.UUID), c.Query("q"), page, limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, results)
}

// GetUnreadCount returns the authenticated user's total unread count.
func (h *MessageHandler) GetUnreadCount(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	count, err := h.Service.UnreadCount(userID.(uuid.UUID))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

// pageParams reads page/limit query parameters with defaults. The
// service clamps them further.
func pageParams(c *gin.Context, defaultLimit int) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit < 1 {
		limit = defaultLimit
	}
	return page, limit
}

// respondServiceError maps messaging errors onto HTTP statuses. The two
// forbidden reasons are distinguishable so clients can decide whether
// to hide the retract control.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, messaging.ErrEmptyContent),
		errors.Is(err, messaging.ErrSelfMessage),
		errors.Is(err, messaging.ErrMissingRecipient),
		errors.Is(err, messaging.ErrMissingListing),
		errors.Is(err, messaging.ErrMissingThread),
		errors.Is(err, messaging.ErrThreadKeyMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, messaging.ErrListingNotFound),
		errors.Is(err, messaging.ErrReceiverNotFound),
		errors.Is(err, messaging.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, messaging.ErrNotSender):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "reason": "not_sender"})
	case errors.Is(err, messaging.ErrRetractionExpired):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "reason": "window_expired"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
