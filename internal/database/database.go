package database

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/parleymarket/parley/internal/models"
)

// DBInterface is the persistence surface the messaging core depends on.
// Messages are the only rows this core writes; users and listings are
// read-only collaborator lookups, plus the inquiry counter bump.
type DBInterface interface {
	// Message store
	CreateMessage(senderID, receiverID, listingID uuid.UUID, threadID, content string) (*models.Message, error)
	GetMessageByID(messageID uuid.UUID) (*models.Message, error)
	GetThreadMessages(threadID string, offset, limit int) ([]*models.Message, int, error)
	GetThreadSummaries(userID uuid.UUID, offset, limit int) ([]*models.ThreadSummary, int, error)
	GetThreadParticipants(threadID string) (uuid.UUID, uuid.UUID, error)
	MarkThreadRead(userID uuid.UUID, threadID string) (int64, error)
	MarkMessagesRead(userID uuid.UUID, messageIDs []uuid.UUID) (int64, error)
	DeleteMessage(messageID uuid.UUID) error
	SearchMessages(userID uuid.UUID, query string, offset, limit int) ([]*models.Message, int, error)
	CountUnread(userID uuid.UUID) (int, error)

	// Collaborator lookups
	GetUserByID(id uuid.UUID) (*models.User, error)
	GetListingByID(id uuid.UUID) (*models.Listing, error)
	IncrementListingInquiries(id uuid.UUID) error

	// Common methods
	Exec(query string, args ...interface{}) (ExecResult, error)
	Close() error
}

type ExecResult interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgres"
)

func NewDatabase(dbType DatabaseType, connStr string) (DBInterface, error) {
	switch dbType {
	case PostgreSQL:
		return NewPostgresDB(connStr)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
