package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/parleymarket/parley/internal/models"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrListingNotFound = errors.New("listing not found")
	ErrMessageNotFound = errors.New("message not found")
)

const messageColumns = "id, thread_id, listing_id, sender_id, receiver_id, content, is_read, created_at, updated_at"

type PostgresDB struct {
	*sql.DB
}

func NewPostgresDB(connStr string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PostgresDB{db}, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(s rowScanner) (*models.Message, error) {
	var msg models.Message
	var updatedAt sql.NullTime

	err := s.Scan(&msg.ID, &msg.ThreadID, &msg.ListingID, &msg.SenderID, &msg.ReceiverID,
		&msg.Content, &msg.IsRead, &msg.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if updatedAt.Valid {
		msg.UpdatedAt = &updatedAt.Time
	}

	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (db *PostgresDB) CreateMessage(senderID, receiverID, listingID uuid.UUID, threadID, content string) (*models.Message, error) {
	message := &models.Message{
		ID:         uuid.New(),
		ThreadID:   threadID,
		ListingID:  listingID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		IsRead:     false,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := db.Exec(
		"INSERT INTO messages (id, thread_id, listing_id, sender_id, receiver_id, content, is_read, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		message.ID, message.ThreadID, message.ListingID, message.SenderID, message.ReceiverID,
		message.Content, message.IsRead, message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return message, nil
}

func (db *PostgresDB) GetMessageByID(messageID uuid.UUID) (*models.Message, error) {
	row := db.QueryRow(
		"SELECT "+messageColumns+" FROM messages WHERE id = $1",
		messageID,
	)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// GetThreadMessages returns one page of a thread newest-first, plus the
// total message count for the thread.
func (db *PostgresDB) GetThreadMessages(threadID string, offset, limit int) ([]*models.Message, int, error) {
	var total int
	err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE thread_id = $1", threadID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := db.Query(
		"SELECT "+messageColumns+" FROM messages WHERE thread_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		threadID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

// GetThreadSummaries aggregates the user's messages into per-thread rows:
// the newest message, the total count, and how many are unread for the
// user as receiver. Groups are ordered by latest activity and paginated
// as groups, not as raw messages.
func (db *PostgresDB) GetThreadSummaries(userID uuid.UUID, offset, limit int) ([]*models.ThreadSummary, int, error) {
	var total int
	err := db.QueryRow(
		"SELECT COUNT(DISTINCT thread_id) FROM messages WHERE sender_id = $1 OR receiver_id = $1",
		userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := db.Query(`
		SELECT t.thread_id, t.total, t.unread,
		       m.id, m.thread_id, m.listing_id, m.sender_id, m.receiver_id, m.content, m.is_read, m.created_at, m.updated_at
		FROM (
			SELECT thread_id,
			       COUNT(*) AS total,
			       COUNT(*) FILTER (WHERE receiver_id = $1 AND is_read = false) AS unread,
			       MAX(created_at) AS last_at
			FROM messages
			WHERE sender_id = $1 OR receiver_id = $1
			GROUP BY thread_id
		) t
		JOIN LATERAL (
			SELECT id, thread_id, listing_id, sender_id, receiver_id, content, is_read, created_at, updated_at
			FROM messages
			WHERE thread_id = t.thread_id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) m ON true
		ORDER BY t.last_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var summaries []*models.ThreadSummary
	for rows.Next() {
		var s models.ThreadSummary
		var msg models.Message
		var updatedAt sql.NullTime

		err := rows.Scan(&s.ThreadID, &s.MessageCount, &s.UnreadCount,
			&msg.ID, &msg.ThreadID, &msg.ListingID, &msg.SenderID, &msg.ReceiverID,
			&msg.Content, &msg.IsRead, &msg.CreatedAt, &updatedAt)
		if err != nil {
			return nil, 0, err
		}

		if updatedAt.Valid {
			msg.UpdatedAt = &updatedAt.Time
		}

		s.ListingID = msg.ListingID
		s.LastMessage = &msg
		summaries = append(summaries, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return summaries, total, nil
}

// GetThreadParticipants resolves the two users of a thread from any of
// its messages. Every message in a thread carries the same pair.
func (db *PostgresDB) GetThreadParticipants(threadID string) (uuid.UUID, uuid.UUID, error) {
	var sender, receiver uuid.UUID
	err := db.QueryRow(
		"SELECT sender_id, receiver_id FROM messages WHERE thread_id = $1 LIMIT 1",
		threadID,
	).Scan(&sender, &receiver)

	if err == sql.ErrNoRows {
		return uuid.Nil, uuid.Nil, ErrMessageNotFound
	}
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	return sender, receiver, nil
}

// MarkThreadRead flips every unread message addressed to the user in the
// thread. The is_read = false guard makes repeated calls no-ops; read
// state only ever moves from false to true.
func (db *PostgresDB) MarkThreadRead(userID uuid.UUID, threadID string) (int64, error) {
	result, err := db.Exec(
		"UPDATE messages SET is_read = true, updated_at = $1 WHERE thread_id = $2 AND receiver_id = $3 AND is_read = false",
		time.Now().UTC(), threadID, userID,
	)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// MarkMessagesRead is the id-set variant of MarkThreadRead. The
// receiver_id condition means ids addressed to someone else are silently
// skipped rather than flipped.
func (db *PostgresDB) MarkMessagesRead(userID uuid.UUID, messageIDs []uuid.UUID) (int64, error) {
	ids := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = id.String()
	}

	result, err := db.Exec(
		"UPDATE messages SET is_read = true, updated_at = $1 WHERE receiver_id = $2 AND is_read = false AND id = ANY($3)",
		time.Now().UTC(), userID, pq.Array(ids),
	)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteMessage hard-deletes a message row. Ownership and the retraction
// window are enforced by the caller.
func (db *PostgresDB) DeleteMessage(messageID uuid.UUID) error {
	result, err := db.Exec("DELETE FROM messages WHERE id = $1", messageID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrMessageNotFound
	}

	return nil
}

// SearchMessages matches the query against message content, restricted
// to messages the user sent or received, newest first.
func (db *PostgresDB) SearchMessages(userID uuid.UUID, query string, offset, limit int) ([]*models.Message, int, error) {
	pattern := "%" + query + "%"

	var total int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE (sender_id = $1 OR receiver_id = $1) AND content ILIKE $2",
		userID, pattern,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := db.Query(
		"SELECT "+messageColumns+" FROM messages WHERE (sender_id = $1 OR receiver_id = $1) AND content ILIKE $2 ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4",
		userID, pattern, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

func (db *PostgresDB) CountUnread(userID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE receiver_id = $1 AND is_read = false",
		userID,
	).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

func (db *PostgresDB) GetUserByID(id uuid.UUID) (*models.User, error) {
	var user models.User
	err := db.QueryRow(`
		SELECT id, username, COALESCE(display_name, ''), COALESCE(avatar_url, ''),
		       created_at, last_seen
		FROM users WHERE id = $1`,
		id).Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&user.AvatarURL,
		&user.CreatedAt,
		&user.LastSeen,
	)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	return &user, nil
}

func (db *PostgresDB) GetListingByID(id uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	err := db.QueryRow(`
		SELECT id, title, COALESCE(image_url, ''), owner_id, inquiry_count, created_at
		FROM listings WHERE id = $1`,
		id).Scan(
		&listing.ID,
		&listing.Title,
		&listing.ImageURL,
		&listing.OwnerID,
		&listing.InquiryCount,
		&listing.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}

	return &listing, nil
}

func (db *PostgresDB) IncrementListingInquiries(id uuid.UUID) error {
	result, err := db.Exec(
		"UPDATE listings SET inquiry_count = inquiry_count + 1 WHERE id = $1",
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment inquiry count: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrListingNotFound
	}

	return nil
}

func (db *PostgresDB) Close() error {
	return db.DB.Close()
}

func (db *PostgresDB) Exec(query string, args ...interface{}) (ExecResult, error) {
	return db.DB.Exec(query, args...)
}
