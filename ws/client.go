package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ember-chat/ember-chat/globals"
	"github.com/ember-chat/ember-chat/types"
	"github.com/gorilla/websocket"
)

// session states
const (
	stateConnecting = iota
	stateActive
	stateDisconnected
)

// Client is a middleman between the websocket connection and the hub. The
// state field is only touched from the read goroutine; everything the hub
// fan-out reads is either immutable after registration or goes through the
// presence registry.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. A nil element instructs the
	// write loop to close the connection after draining what came before.
	send chan []byte

	connectionID  string
	originAddress string
	isModerator   bool

	state       int
	participant *types.Participant

	// closed by the hub once the client is registered
	registered chan struct{}

	sendMu     sync.Mutex
	sendClosed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, connectionID, originAddress string, isModerator bool) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendChannelSize),
		connectionID:  connectionID,
		originAddress: originAddress,
		isModerator:   isModerator,
		state:         stateConnecting,
		registered:    make(chan struct{}),
	}
}

// trySend hands a message to the write loop without blocking. Clients that
// cannot keep up lose messages rather than stalling the fan-out.
func (c *Client) trySend(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
		globals.AppLogger.Warn("send buffer full, dropping message", "connectionId", c.connectionID)
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// close terminates the transport. The session state transition happens in
// the read goroutine, which owns the state field.
func (c *Client) close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) sendError(message string) {
	data, err := types.NewWireMessage(types.EventError, types.ErrorPayload{Message: message})
	if err != nil {
		globals.AppLogger.Error("could not marshal error message", "error", err)
		return
	}
	c.trySend(data)
}

// ReadLoop pumps messages from the websocket connection to the session
// handlers.
//
// The application runs ReadLoop in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.state = stateDisconnected
		c.conn.Close()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Debug("ws closed unexpected", "error", err)
			}
			return
		}
		message := &types.WebsocketMessage{}
		if err := json.Unmarshal(raw, message); err != nil {
			globals.AppLogger.Debug("could not unmarshal ws message", "error", err)
			c.sendError("malformed payload")
			continue
		}
		c.dispatch(message)
	}
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if message == nil {
				// close-after-delivery marker: everything queued before it
				// has been written, now terminate the connection.
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session terminated"))
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
