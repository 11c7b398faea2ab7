package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleymarket/parley/internal/auth"
	"github.com/parleymarket/parley/internal/logger"
	"github.com/parleymarket/parley/internal/models"
)

// Frame types exchanged over a live connection.
const (
	FrameAuth         = "auth"          // inbound: credential presented after upgrade
	FrameSendMessage  = "send_message"  // inbound: create a message as the connected user
	FrameMarkRead     = "mark_read"     // inbound: mark a thread read
	FrameNewMessage   = "new_message"   // outbound: a message involving this user was persisted
	FrameMessagesRead = "messages_read" // outbound: the counterpart read a thread
	FrameError        = "error"         // outbound: an inbound frame was rejected
)

// authWait bounds how long an unauthenticated connection may sit between
// the upgrade and its auth frame.
const authWait = 10 * time.Second

var log = logger.New("websocket")

// Frame is the wire shape for every message in both directions. Fields
// are populated per frame type; unused ones are omitted.
type Frame struct {
	Type       string          `json:"type"`
	Token      string          `json:"token,omitempty"`
	ReceiverID uuid.UUID       `json:"receiver_id,omitempty"`
	ListingID  uuid.UUID       `json:"listing_id,omitempty"`
	ThreadID   string          `json:"thread_id,omitempty"`
	Content    string          `json:"content,omitempty"`
	UserID     uuid.UUID       `json:"user_id,omitempty"`
	Message    *models.Message `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// CommandHandler receives inbound commands under the connection's
// authenticated identity. Implemented by the messaging service.
type CommandHandler interface {
	Send(senderID uuid.UUID, req *models.SendMessageRequest) (*models.Message, error)
	MarkThreadRead(viewerID uuid.UUID, threadID string) error
}

// Client represents one live connection of an authenticated user. A
// user may hold several at once (devices, tabs).
type Client struct {
	UserID uuid.UUID
	Socket *websocket.Conn
	Send   chan []byte
}

// Manager is the process-local connection registry: user id to the set
// of that user's live connections. It is mutated only through the
// register/unregister channels in Run and read by SendToUser. Nothing
// here is persisted; a restart drops associations but no messages.
type Manager struct {
	clients    map[uuid.UUID]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	commands   CommandHandler
	mutex      sync.Mutex
}

// NewManager creates an empty connection registry.
func NewManager() *Manager {
	return &Manager{
		clients:    make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// SetCommandHandler wires the inbound command target. Set once during
// startup, before any connection is accepted.
func (m *Manager) SetCommandHandler(h CommandHandler) {
	m.commands = h
}

// Run processes register/unregister events. Call in its own goroutine.
func (m *Manager) Run() {
	for {
		select {
		case client := <-m.register:
			m.mutex.Lock()
			set, ok := m.clients[client.UserID]
			if !ok {
				set = make(map[*Client]bool)
				m.clients[client.UserID] = set
			}
			set[client] = true
			log.Info("Client connected: %s (%d active)", client.UserID, len(set))
			m.mutex.Unlock()
		case client := <-m.unregister:
			m.mutex.Lock()
			if set, ok := m.clients[client.UserID]; ok {
				if _, ok := set[client]; ok {
					delete(set, client)
					close(client.Send)
					if len(set) == 0 {
						delete(m.clients, client.UserID)
					}
					log.Info("Client disconnected: %s", client.UserID)
				}
			}
			m.mutex.Unlock()
		}
	}
}

// SendToUser delivers a payload to every live connection of a user.
// An absent user is not an error; the regular fetch path remains the
// source of truth.
func (m *Manager) SendToUser(userID uuid.UUID, message []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	set, ok := m.clients[userID]
	if !ok {
		log.Debug("User %s not connected", userID)
		return
	}

	for client := range set {
		select {
		case client.Send <- message:
			log.Debug("Message sent to user %s", userID)
		default:
			// Slow consumer: drop the connection rather than block fan-out.
			close(client.Send)
			delete(set, client)
			if len(set) == 0 {
				delete(m.clients, userID)
			}
			log.Warn("Send buffer full for user %s, dropping connection", userID)
		}
	}
}

// ConnectedUsers returns how many distinct users hold live connections.
func (m *Manager) ConnectedUsers() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.clients)
}

// HandleWebSocket upgrades the request and authenticates the
// connection. The credential is accepted from the token query
// parameter, the Authorization header, or an auth frame sent right
// after the upgrade, in that order of availability.
func (m *Manager) HandleWebSocket(c *gin.Context) {
	// A credential presented at upgrade time is checked before the
	// upgrade so bad tokens get a plain 401.
	var userID uuid.UUID
	token := handshakeToken(c)
	if token != "" {
		id, err := authenticate(token)
		if err != nil {
			log.Warn("Rejecting connection from %s: %v", c.Request.RemoteAddr, err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		userID = id
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			log.Debug("WebSocket origin: %s", origin)
			// TODO: restrict origins once the client origins are pinned down
			return true
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("Failed to upgrade connection: %v", err)
		return
	}

	if userID == uuid.Nil {
		userID, err = awaitAuthFrame(conn)
		if err != nil {
			log.Warn("Rejecting connection from %s: %v", c.Request.RemoteAddr, err)
			writeErrorFrame(conn, "authentication failed")
			conn.Close()
			return
		}
	}

	client := &Client{
		UserID: userID,
		Socket: conn,
		Send:   make(chan []byte, 256),
	}

	m.register <- client

	go client.readPump(m)
	go client.writePump()
	log.Info("Client %s connected and ready", client.UserID)
}

// handshakeToken pulls a credential presented at upgrade time: query
// parameter first (browser WebSocket clients cannot set headers), then
// the Authorization header.
func handshakeToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func authenticate(token string) (uuid.UUID, error) {
	claims, err := auth.ValidateToken(token)
	if err != nil {
		return uuid.Nil, err
	}
	return auth.GetUserIDFromToken(claims)
}

// awaitAuthFrame reads the first frame from a connection that presented
// no credential at upgrade time. It must be an auth frame carrying a
// valid token within authWait.
func awaitAuthFrame(conn *websocket.Conn) (uuid.UUID, error) {
	conn.SetReadDeadline(time.Now().Add(authWait))
	defer conn.SetReadDeadline(time.Time{})

	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return uuid.Nil, err
	}
	if frame.Type != FrameAuth {
		return uuid.Nil, auth.ErrInvalidToken
	}
	return authenticate(frame.Token)
}

func writeErrorFrame(conn *websocket.Conn, message string) {
	frame := Frame{Type: FrameError, Error: message, Timestamp: time.Now()}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, payload)
}

// readPump pumps inbound frames from the connection to the command
// handler until the connection closes.
func (c *Client) readPump(m *Manager) {
	defer func() {
		log.Debug("Client %s disconnecting, unregistering from manager", c.UserID)
		m.unregister <- c
		c.Socket.Close()
	}()

	c.Socket.SetReadLimit(64 * 1024)
	c.Socket.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Socket.SetPongHandler(func(string) error {
		c.Socket.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	messageCount := 0
	lastResetTime := time.Now()
	const maxMessagesPerMinute = 60

	for {
		if messageCount >= maxMessagesPerMinute {
			if time.Since(lastResetTime) < time.Minute {
				log.Warn("Rate limit exceeded for client %s", c.UserID)
				time.Sleep(time.Second)
				continue
			}
			messageCount = 0
			lastResetTime = time.Now()
		}

		_, payload, err := c.Socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error("Error reading from client %s: %v", c.UserID, err)
			} else {
				log.Info("Client %s closed connection: %v", c.UserID, err)
			}
			break
		}

		messageCount++

		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Error("Error unmarshaling frame from client %s: %v", c.UserID, err)
			c.sendError("invalid frame format")
			continue
		}

		c.handleFrame(m, &frame)
	}
}

// handleFrame routes one inbound frame. Commands always run under the
// connection's authenticated identity, never a client-supplied one.
func (c *Client) handleFrame(m *Manager, frame *Frame) {
	log.Debug("Received frame type '%s' from client %s", frame.Type, c.UserID)

	switch frame.Type {
	case FrameSendMessage:
		if m.commands == nil {
			c.sendError("commands not available")
			return
		}
		req := &models.SendMessageRequest{
			ReceiverID: frame.ReceiverID,
			ListingID:  frame.ListingID,
			Content:    frame.Content,
			ThreadID:   frame.ThreadID,
		}
		if _, err := m.commands.Send(c.UserID, req); err != nil {
			log.Warn("send_message from client %s rejected: %v", c.UserID, err)
			c.sendError(err.Error())
		}
		// The gateway fans the persisted message back to both
		// participants, including this client's other devices.
	case FrameMarkRead:
		if m.commands == nil {
			c.sendError("commands not available")
			return
		}
		if err := m.commands.MarkThreadRead(c.UserID, frame.ThreadID); err != nil {
			log.Warn("mark_read from client %s rejected: %v", c.UserID, err)
			c.sendError(err.Error())
		}
	case FrameAuth:
		// Already authenticated; ignore.
	default:
		log.Warn("Unknown frame type '%s' from client %s", frame.Type, c.UserID)
		c.sendError("unknown frame type")
	}
}

func (c *Client) sendError(message string) {
	frame := Frame{Type: FrameError, Error: message, Timestamp: time.Now()}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.Send <- payload:
	default:
	}
}

// writePump pumps outbound payloads from the send channel to the
// connection and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// The manager closed the channel
				c.Socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Socket.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
