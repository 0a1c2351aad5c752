package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bariiss/hls-offline/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// MessageHandler runs one command received from a page. reply may be called
// at most once.
type MessageHandler func(ctx context.Context, data []byte, reply func(model.Reply))

// Client is one connected page context.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// Send queues data without blocking. It returns false if the client is closed
// or its buffer is full.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Serve registers the client and pumps messages until the connection ends.
// Commands are handled concurrently; Serve returns once they have finished.
func (c *Client) Serve(ctx context.Context, handle MessageHandler) {
	c.hub.Register(c)

	var handlers sync.WaitGroup
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump(ctx, handle, &handlers)

	c.hub.Unregister(c)
	<-writerDone
	handlers.Wait()
}

func (c *Client) readPump(ctx context.Context, handle MessageHandler, handlers *sync.WaitGroup) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithField("client", c.ID).Warnf("websocket error: %v", err)
			}
			return
		}
		if handle == nil {
			continue
		}
		handlers.Add(1)
		go func(data []byte) {
			defer handlers.Done()
			handle(ctx, data, c.reply)
		}(data)
	}
}

func (c *Client) reply(r model.Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		log.Errorf("encode reply: %v", err)
		return
	}
	if !c.Send(data) {
		log.WithField("client", c.ID).Debug("reply dropped, client gone")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			// one JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
