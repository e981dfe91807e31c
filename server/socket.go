package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carrera.app/config"
)

// IsWebSocket reports whether r asks for a websocket upgrade.
func IsWebSocket(r *http.Request) bool {
	contains := func(key, val string) bool {
		vv := strings.Split(r.Header.Get(key), ",")
		for _, v := range vv {
			if val == strings.ToLower(strings.TrimSpace(v)) {
				return true
			}
		}
		return false
	}

	return contains("Connection", "upgrade") && contains("Upgrade", "websocket")
}

// conn is one websocket client. Messages from the client are handled in order
// by the read loop; everything going to the client passes through sub.send and
// is written by the write loop only.
type conn struct {
	id  string
	ws  *websocket.Conn
	sub *subscriber
	cfg config.Socket
	log *zap.Logger

	// owned by the read loop
	members map[string]map[string]bool // race -> user ids
	room    string
}

func newConn(ws *websocket.Conn, cfg config.Socket, log *zap.Logger) *conn {
	id := uuid.New().String()
	return &conn{
		id:      id,
		ws:      ws,
		sub:     &subscriber{id: id, send: make(chan []byte, cfg.SendBuffer)},
		cfg:     cfg,
		log:     log.With(zap.String("conn", id)),
		members: make(map[string]map[string]bool),
	}
}

// queue encodes and enqueues a message for this connection only.
func (c *conn) queue(msgType string, data interface{}) bool {
	b, err := encode(msgType, data)
	if err != nil {
		c.log.Error("encode reply", zap.String("type", msgType), zap.Error(err))
		return false
	}
	return c.sub.queue(b)
}

func (c *conn) remember(raceID, userID string) {
	users, ok := c.members[raceID]
	if !ok {
		users = make(map[string]bool)
		c.members[raceID] = users
	}
	users[userID] = true
}

func (c *conn) forget(raceID, userID string) (last bool) {
	users := c.members[raceID]
	delete(users, userID)
	if len(users) == 0 {
		delete(c.members, raceID)
		return true
	}
	return false
}

// run blocks until either side of the connection stops.
func (c *conn) run(ctx context.Context, handle func(msg []byte)) {
	defer c.ws.Close()

	// to cancel everything
	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := sync.WaitGroup{}
	wg.Add(2)

	go c.writeLoop(cancel, &wg, stopCtx)
	go c.readLoop(cancel, &wg, stopCtx, handle)
	wg.Wait()
}

func (c *conn) readLoop(cancel context.CancelFunc, wg *sync.WaitGroup, stopCtx context.Context, handle func([]byte)) {
	defer func() {
		cancel()
		wg.Done()
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		select {
		case <-stopCtx.Done():
			return
		default:
		}

		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read", zap.Error(err))
			}
			return
		}

		handle(msg)
	}
}

func (c *conn) writeLoop(cancel context.CancelFunc, wg *sync.WaitGroup, stopCtx context.Context) {
	defer func() {
		c.ws.Close()
		cancel()
		wg.Done()
	}()

	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stopCtx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case b := <-c.sub.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug("write", zap.Error(err))
				return
			}
		}
	}
}
