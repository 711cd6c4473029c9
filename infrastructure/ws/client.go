package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

var ErrClientClosed = errors.New("ws: client closed")

// UserClient is one websocket session of a user. Outbound writes go through a
// buffered channel drained by WritePump.
type UserClient struct {
	Id     string
	UserId string

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
	maxMsg int64
}

func NewClient(userId string, conn *websocket.Conn, maxMessageBytes int64, log zerolog.Logger) *UserClient {
	id := uuid.NewString()
	return &UserClient{
		Id:     id,
		UserId: userId,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		log:    log.With().Str("client_id", id).Str("user_id", userId).Logger(),
		maxMsg: maxMessageBytes,
	}
}

// Send enqueues payload. A client whose buffer is full is closed so a slow
// reader cannot stall its producers.
func (c *UserClient) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		c.log.Warn().Msg("Send buffer full, closing client")
		c.Close()
		return ErrClientClosed
	}
}

func (c *UserClient) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// ReadPump blocks reading frames and hands each to handle until the
// connection fails or is closed.
func (c *UserClient) ReadPump(handle func(data []byte)) {
	defer c.Close()

	if c.maxMsg > 0 {
		c.conn.SetReadLimit(c.maxMsg)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("Unexpected websocket close")
			}
			return
		}
		handle(data)
	}
}

func (c *UserClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *UserClient) write(messageType int, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}
