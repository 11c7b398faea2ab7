package database

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleymarket/parley/internal/models"
	"github.com/parleymarket/parley/internal/thread"
)

// setupTestDB connects to the test database and wipes message data.
// Integration tests are skipped when no database is reachable.
func setupTestDB(t *testing.T) *PostgresDB {
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		connStr = "postgres://postgres@localhost:5432/parley_test?sslmode=disable"
	}

	db, err := NewPostgresDB(connStr)
	if err != nil {
		t.Skipf("Skipping: test database unavailable: %v", err)
	}

	for _, table := range []string{"messages", "listings", "users"} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("Failed to clean up %s: %v", table, err)
		}
	}

	return db
}

func seedUser(t *testing.T, db *PostgresDB, username string) uuid.UUID {
	id := uuid.New()
	_, err := db.Exec(
		"INSERT INTO users (id, username, created_at, last_seen) VALUES ($1, $2, $3, $4)",
		id, username, time.Now().UTC(), time.Now().UTC(),
	)
	require.NoError(t, err)
	return id
}

func seedListing(t *testing.T, db *PostgresDB, ownerID uuid.UUID, title string) uuid.UUID {
	id := uuid.New()
	_, err := db.Exec(
		"INSERT INTO listings (id, title, owner_id, inquiry_count, created_at) VALUES ($1, $2, $3, 0, $4)",
		id, title, ownerID, time.Now().UTC(),
	)
	require.NoError(t, err)
	return id
}

func seedMessage(t *testing.T, db *PostgresDB, sender, receiver, listing uuid.UUID, content string) *models.Message {
	key := thread.DeriveKey(sender, receiver, listing)
	msg, err := db.CreateMessage(sender, receiver, listing, key, content)
	require.NoError(t, err)
	return msg
}

func TestCreateAndGetMessage(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	seller := seedUser(t, db, "seller")
	buyer := seedUser(t, db, "buyer")
	listing := seedListing(t, db, seller, "Road bike")

	created := seedMessage(t, db, buyer, seller, listing, "Is the bike still for sale?")

	fetched, err := db.GetMessageByID(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, created.ThreadID, fetched.ThreadID)
	assert.Equal(t, buyer, fetched.SenderID)
	assert.Equal(t, seller, fetched.ReceiverID)
	assert.False(t, fetched.IsRead)
	assert.Nil(t, fetched.UpdatedAt)
}

func TestGetMessageByIDMissing(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	_, err := db.GetMessageByID(uuid.New())
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestGetThreadMessagesPagination(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	seller := seedUser(t, db, "seller")
	buyer := seedUser(t, db, "buyer")
	listing := seedListing(t, db, seller, "Sofa")

	for i := 0; i < 5; i++ {
		seedMessage(t, db, buyer, seller, listing, "message")
		time.Sleep(5 * time.Millisecond) // distinct created_at ordering
	}

	key := thread.DeriveKey(buyer, seller, listing)

	first, total, err := db.GetThreadMessages(key, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, first, 2)
	// Newest first.
	assert.True(t, first[0].CreatedAt.After(first[1].CreatedAt) || first[0].CreatedAt.Equal(first[1].CreatedAt))

	second, _, err := db.GetThreadMessages(key, 2, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.False(t, second[0].CreatedAt.After(first[1].CreatedAt))
}

func TestGetThreadSummaries(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	seller := seedUser(t, db, "seller")
	buyer := seedUser(t, db, "buyer")
	other := seedUser(t, db, "other")
	bike := seedListing(t, db, seller, "Bike")
	sofa := seedListing(t, db, seller, "Sofa")

	// Two threads for the buyer: two unread from seller about the bike,
	// one sent by the buyer about the sofa.
	seedMessage(t, db, seller, buyer, bike, "offer accepted")
	seedMessage(t, db, seller, buyer, bike, "when can you pick up?")
	time.Sleep(5 * time.Millisecond)
	seedMessage(t, db, buyer, seller, sofa, "interested in the sofa")

	// A thread the buyer is not part of.
	seedMessage(t, db, other, seller, bike, "unrelated")

	summaries, total, err := db.GetThreadSummaries(buyer, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, summaries, 2)

	// Newest activity first: the sofa thread.
	assert.Equal(t, thread.DeriveKey(buyer, seller, sofa), summaries[0].ThreadID)
	assert.Equal(t, 1, summaries[0].MessageCount)
	assert.Equal(t, 0, summaries[0].UnreadCount)

	bikeThread := summaries[1]
	assert.Equal(t, thread.DeriveKey(buyer, seller, bike), bikeThread.ThreadID)
	assert.Equal(t, 2, bikeThread.MessageCount)
	assert.Equal(t, 2, bikeThread.UnreadCount)
	require.NotNil(t, bikeThread.LastMessage)
	assert.Equal(t, "when can you pick up?", bikeThread.LastMessage.Content)
}

func TestMarkThreadReadIdempotent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	seller := seedUser(t, db, "seller")
	buyer := seedUser(t, db, "buyer")
	listing := seedListing(t, db, seller, "Lamp")

	seedMessage(t, db, seller, buyer, listing, "first")
	seedMessage(t, db, seller, buyer, listing, "second")
	key := thread.DeriveKey(buyer, seller, listing)

	affected, err := db.MarkThreadRead(buyer, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	affected, err = db.MarkThreadRead(buyer, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected, "second call flips nothing")

	count, err := db.CountUnread(buyer)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMarkThreadReadOnlyTouchesReceiver(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	seller := seedUser(t, db, "seller")
	buyer := seedUser(t, db, "buyer")
	listing := seedListing(t, db, seller, "Table")

	// Message from the buyer: unread for the seller, not the buyer.
	msg := seedMessage(t, db, buyer, seller, listing, "hello")
	key := thread.DeriveKey(buyer, seller, listing)

	affected, err := db.MarkThreadRead(buyer, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)

	fetched, err := db.GetMessageByID(msg.ID)
	require.NoError(t, err)
	assert.False(t, fetched.IsRead)
}

func TestMarkMessagesReadScoping(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	seller := seedUser(t, db, "seller")
	buyer := seedUser(t, db, "buyer")
	listing := seedListing(t, db, seller, "Chair")

	inbound := seedMessage(t, db, seller, buyer, listing, "for the buyer")
	outbound := seedMessage(t, db, buyer, seller, listing, "from the buyer")

	affected, err := db.MarkMessagesRead(buyer, []uuid.UUID{inbound.ID, outbound.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected, "only the inbound message is the buyer's to mark")

	fetched, err := db.GetMessageByID(outbound.ID)
	require.NoError(t, err)
	assert.False(t, fetched.IsRead)
}

func TestDeleteMessage(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	seller := seedUser(t, db, "seller")
	buyer := seedUser(t, db, "buyer")
	listing := seedListing(t, db, seller, "Desk")

	msg := seedMessage(t, db, buyer, seller, listing, "oops")

	require.NoError(t, db.DeleteMessage(msg.ID))

	_, err := db.GetMessageByID(msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	assert.ErrorIs(t, db.DeleteMessage(msg.ID), ErrMessageNotFound)
}

func TestSearchMessages(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	seller := seedUser(t, db, "seller")
	buyer := seedUser(t, db, "buyer")
	other := seedUser(t, db, "other")
	listing := seedListing(t, db, seller, "Bookshelf")

	seedMessage(t, db, buyer, seller, listing, "Does the bookshelf wobble?")
	seedMessage(t, db, seller, buyer, listing, "No wobble at all")
	seedMessage(t, db, other, seller, listing, "wobble wobble") // not the buyer's

	results, total, err := db.SearchMessages(buyer, "wobble", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, results, 2)

	// Case-insensitive match.
	results, _, err = db.SearchMessages(buyer, "WOBBLE", 0, 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestGetThreadParticipants(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	seller := seedUser(t, db, "seller")
	buyer := seedUser(t, db, "buyer")
	listing := seedListing(t, db, seller, "Mirror")

	seedMessage(t, db, buyer, seller, listing, "hello")
	key := thread.DeriveKey(buyer, seller, listing)

	sender, receiver, err := db.GetThreadParticipants(key)
	require.NoError(t, err)
	assert.Equal(t, buyer, sender)
	assert.Equal(t, seller, receiver)

	_, _, err = db.GetThreadParticipants("no-such-thread")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestIncrementListingInquiries(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	seller := seedUser(t, db, "seller")
	listing := seedListing(t, db, seller, "Rug")

	require.NoError(t, db.IncrementListingInquiries(listing))
	require.NoError(t, db.IncrementListingInquiries(listing))

	fetched, err := db.GetListingByID(listing)
	require.NoError(t, err)
	assert.Equal(t, 2, fetched.InquiryCount)

	assert.ErrorIs(t, db.IncrementListingInquiries(uuid.New()), ErrListingNotFound)
}

func TestGetUserByIDMissing(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	_, err := db.GetUserByID(uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}
