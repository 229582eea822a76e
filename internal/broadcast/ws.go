package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/forex-api/internal/accounts"
	"github.com/ksred/forex-api/internal/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Token auth happens before the upgrade
		return true
	},
}

// controlMessage is a client -> server subscription request.
type controlMessage struct {
	Action    string   `json:"action"`
	Symbols   []string `json:"symbols,omitempty"`
	AccountID string   `json:"account_id,omitempty"`
}

type ackMessage struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsConn serializes writes. The read loop sends acks while the write
// loop streams events, and the underlying connection permits only one
// concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) writeControl(messageType int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(messageType, nil)
}

// WSHandler upgrades authenticated clients to a WebSocket event stream.
type WSHandler struct {
	broadcaster *Broadcaster
	accounts    *accounts.Store
}

func NewWSHandler(broadcaster *Broadcaster, accounts *accounts.Store) *WSHandler {
	return &WSHandler{broadcaster: broadcaster, accounts: accounts}
}

// StreamHandler handles GET requests to open the event stream. Clients
// drive their interests with subscribe_prices and subscribe_account
// control messages; account subscriptions are checked against the
// token's client ID.
func (h *WSHandler) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		clientID := auth.GetClientID(claims)
		if clientID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		conn := &wsConn{conn: raw}

		sub := h.broadcaster.Subscribe()
		logger := log.With().Str("client_id", clientID).Logger()
		logger.Info().Msg("websocket client connected")

		go h.writeLoop(conn, sub, logger)
		h.readLoop(conn, sub, clientID, logger)
	}
}

// readLoop consumes control messages until the client disconnects.
// Closing the subscription ends the write loop.
func (h *WSHandler) readLoop(conn *wsConn, sub *Subscription, clientID string, logger zerolog.Logger) {
	defer sub.Close()

	conn.conn.SetReadLimit(4096)
	conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sendAck(conn, ackMessage{Type: "error", Message: "invalid message"})
			continue
		}

		switch msg.Action {
		case "subscribe_prices":
			if len(msg.Symbols) == 0 {
				sub.WatchSymbol("")
			}
			for _, symbol := range msg.Symbols {
				sub.WatchSymbol(symbol)
			}
			sendAck(conn, ackMessage{Type: "subscribed", Action: msg.Action})

		case "subscribe_account":
			acct, err := h.accounts.GetAccount(msg.AccountID)
			if err != nil || acct == nil || acct.ClientID != clientID {
				sendAck(conn, ackMessage{Type: "error", Action: msg.Action, Message: "unknown account"})
				continue
			}
			sub.WatchAccount(msg.AccountID)
			sendAck(conn, ackMessage{Type: "subscribed", Action: msg.Action})

		default:
			sendAck(conn, ackMessage{Type: "error", Message: "unknown action"})
		}
	}
}

// writeLoop forwards subscription events to the connection and keeps it
// alive with pings.
func (h *WSHandler) writeLoop(conn *wsConn, sub *Subscription, logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				conn.writeControl(websocket.CloseMessage)
				return
			}
			if err := conn.writeJSON(event); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.writeControl(websocket.PingMessage); err != nil {
				return
			}
		}
	}
}

func sendAck(conn *wsConn, ack ackMessage) {
	if err := conn.writeJSON(ack); err != nil {
		log.Debug().Err(err).Msg("websocket ack failed")
	}
}
