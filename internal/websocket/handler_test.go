package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleymarket/parley/internal/auth"
	"github.com/parleymarket/parley/internal/models"
)

// fakeCommands records inbound commands on channels so tests can wait
// for them without sleeping.
type fakeCommands struct {
	sends     chan sendCall
	markReads chan markReadCall
	sendErr   error
	markErr   error
}

type sendCall struct {
	senderID uuid.UUID
	req      *models.SendMessageRequest
}

type markReadCall struct {
	viewerID uuid.UUID
	threadID string
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{
		sends:     make(chan sendCall, 8),
		markReads: make(chan markReadCall, 8),
	}
}

func (f *fakeCommands) Send(senderID uuid.UUID, req *models.SendMessageRequest) (*models.Message, error) {
	f.sends <- sendCall{senderID: senderID, req: req}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &models.Message{ID: uuid.New(), SenderID: senderID}, nil
}

func (f *fakeCommands) MarkThreadRead(viewerID uuid.UUID, threadID string) error {
	f.markReads <- markReadCall{viewerID: viewerID, threadID: threadID}
	return f.markErr
}

func setupWsServer(t *testing.T) (*httptest.Server, *Manager, *fakeCommands) {
	gin.SetMode(gin.TestMode)
	auth.InitJWTKey([]byte("test-secret-key-for-websocket-tests"))

	manager := NewManager()
	go manager.Run()

	commands := newFakeCommands()
	manager.SetCommandHandler(commands)

	router := gin.New()
	router.GET("/api/ws", manager.HandleWebSocket)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return server, manager, commands
}

func mintToken(t *testing.T, userID uuid.UUID) string {
	token, _, err := auth.GenerateToken(&models.User{ID: userID, Username: "wsuser"})
	require.NoError(t, err)
	return token
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func waitForRegistration(t *testing.T, manager *Manager, users int) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if manager.ConnectedUsers() == users {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d connected users, have %d", users, manager.ConnectedUsers())
}

func TestHandshakeWithQueryToken(t *testing.T) {
	server, manager, _ := setupWsServer(t)

	userID := uuid.New()
	token := mintToken(t, userID)

	ws, resp, err := gorilla.DefaultDialer.Dial(wsURL(server, "/api/ws?token="+token), nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	waitForRegistration(t, manager, 1)
}

func TestHandshakeWithHeaderToken(t *testing.T) {
	server, manager, _ := setupWsServer(t)

	userID := uuid.New()
	token := mintToken(t, userID)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := gorilla.DefaultDialer.Dial(wsURL(server, "/api/ws"), header)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	waitForRegistration(t, manager, 1)
}

func TestHandshakeWithInvalidToken(t *testing.T) {
	server, _, _ := setupWsServer(t)

	_, resp, err := gorilla.DefaultDialer.Dial(wsURL(server, "/api/ws?token=invalid.token"), nil)

	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeWithAuthFrame(t *testing.T) {
	server, manager, _ := setupWsServer(t)

	userID := uuid.New()
	token := mintToken(t, userID)

	// No credential at upgrade time: the connection opens and waits for
	// an auth frame.
	ws, resp, err := gorilla.DefaultDialer.Dial(wsURL(server, "/api/ws"), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameAuth, Token: token}))
	waitForRegistration(t, manager, 1)
}

func TestHandshakeAuthFrameWithBadToken(t *testing.T) {
	server, manager, _ := setupWsServer(t)

	ws, _, err := gorilla.DefaultDialer.Dial(wsURL(server, "/api/ws"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameAuth, Token: "garbage"}))

	// The server answers with an error frame and closes.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, 0, manager.ConnectedUsers())
}

func TestInboundSendMessageCommand(t *testing.T) {
	server, _, commands := setupWsServer(t)

	userID := uuid.New()
	token := mintToken(t, userID)

	ws, _, err := gorilla.DefaultDialer.Dial(wsURL(server, "/api/ws?token="+token), nil)
	require.NoError(t, err)
	defer ws.Close()

	receiverID := uuid.New()
	listingID := uuid.New()

	require.NoError(t, ws.WriteJSON(Frame{
		Type:       FrameSendMessage,
		ReceiverID: receiverID,
		ListingID:  listingID,
		Content:    "is the price negotiable?",
	}))

	select {
	case call := <-commands.sends:
		// Identity comes from the connection, never the payload.
		assert.Equal(t, userID, call.senderID)
		assert.Equal(t, receiverID, call.req.ReceiverID)
		assert.Equal(t, listingID, call.req.ListingID)
		assert.Equal(t, "is the price negotiable?", call.req.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("send command never reached the handler")
	}
}

func TestInboundMarkReadCommand(t *testing.T) {
	server, _, commands := setupWsServer(t)

	userID := uuid.New()
	token := mintToken(t, userID)

	ws, _, err := gorilla.DefaultDialer.Dial(wsURL(server, "/api/ws?token="+token), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameMarkRead, ThreadID: "thread-key"}))

	select {
	case call := <-commands.markReads:
		assert.Equal(t, userID, call.viewerID)
		assert.Equal(t, "thread-key", call.threadID)
	case <-time.After(2 * time.Second):
		t.Fatal("mark_read command never reached the handler")
	}
}

func TestInboundUnknownFrameGetsError(t *testing.T) {
	server, _, _ := setupWsServer(t)

	token := mintToken(t, uuid.New())

	ws, _, err := gorilla.DefaultDialer.Dial(wsURL(server, "/api/ws?token="+token), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(Frame{Type: "presence"}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, FrameError, frame.Type)
}

func TestSendToUserMultiDevice(t *testing.T) {
	manager := NewManager()
	go manager.Run()

	userID := uuid.New()
	first := &Client{UserID: userID, Send: make(chan []byte, 4)}
	second := &Client{UserID: userID, Send: make(chan []byte, 4)}

	manager.register <- first
	manager.register <- second

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		manager.mutex.Lock()
		devices := len(manager.clients[userID])
		manager.mutex.Unlock()
		if devices == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	manager.SendToUser(userID, []byte("hello"))

	for _, client := range []*Client{first, second} {
		select {
		case payload := <-client.Send:
			assert.Equal(t, "hello", string(payload))
		case <-time.After(time.Second):
			t.Fatal("device never received the payload")
		}
	}
}

func TestSendToUserAbsentUser(t *testing.T) {
	manager := NewManager()
	go manager.Run()

	// Absence is not an error; this must simply not panic or block.
	manager.SendToUser(uuid.New(), []byte("into the void"))
	assert.Equal(t, 0, manager.ConnectedUsers())
}

func TestUnregisterRemovesAssociation(t *testing.T) {
	manager := NewManager()
	go manager.Run()

	userID := uuid.New()
	client := &Client{UserID: userID, Send: make(chan []byte, 1)}

	manager.register <- client
	waitForRegistration(t, manager, 1)

	manager.unregister <- client
	waitForRegistration(t, manager, 0)

	// The send channel is closed on unregister.
	_, open := <-client.Send
	assert.False(t, open)
}

func TestFrameRoundTrip(t *testing.T) {
	message := &models.Message{
		ID:         uuid.New(),
		ThreadID:   "key",
		SenderID:   uuid.New(),
		ReceiverID: uuid.New(),
		Content:    "still for sale?",
		CreatedAt:  time.Now().UTC(),
	}

	frame := Frame{Type: FrameNewMessage, Message: message, Timestamp: time.Now()}

	payload, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, FrameNewMessage, decoded.Type)
	assert.Equal(t, message.ID, decoded.Message.ID)
	assert.Equal(t, message.Content, decoded.Message.Content)
}
