// Package client connects to a race server over websocket and replays a
// recorded route through a local tracker.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carrera.app/server"
)

// ErrClosed is returned once the connection to the server is gone.
var ErrClosed = errors.New("connection closed")

// RemoteError is an error message sent back by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server: %s (%s)", e.Message, e.Code)
}

// Client is a websocket connection to a race server.
type Client struct {
	ws     *websocket.Conn
	events chan server.Envelope
	log    *zap.Logger

	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the websocket endpoint at url, e.g. ws://localhost:3000/ws.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		ws:     ws,
		events: make(chan server.Envelope, 64),
		log:    log,
		done:   make(chan struct{}),
	}
	go c.read()
	return c, nil
}

func (c *Client) read() {
	defer close(c.events)

	for {
		var env server.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("read", zap.Error(err))
			}
			return
		}

		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

// Events returns every message received from the server. The channel is
// closed when the connection ends.
func (c *Client) Events() <-chan server.Envelope {
	return c.events
}

// Send writes one message.
func (c *Client) Send(msgType string, data interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(server.Outbound{Type: msgType, Data: data})
}

// Await returns the next message of type msgType, skipping anything else. An
// error message from the server is returned as a *RemoteError.
func (c *Client) Await(ctx context.Context, msgType string) (server.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return server.Envelope{}, ctx.Err()
		case env, ok := <-c.events:
			if !ok {
				return server.Envelope{}, ErrClosed
			}
			switch env.Type {
			case msgType:
				return env, nil
			case server.TypeError:
				return server.Envelope{}, remoteError(env)
			}
		}
	}
}

func remoteError(env server.Envelope) error {
	var em server.ErrorMessage
	if err := json.Unmarshal(env.Data, &em); err != nil {
		return fmt.Errorf("decode error message: %w", err)
	}
	return &RemoteError{Code: em.Code, Message: em.Message}
}

// Create opens a new race and returns its code.
func (c *Client) Create(ctx context.Context, userID, name string) (string, error) {
	if err := c.Send(server.TypeCreateRace, server.CreateRace{UserID: userID, UserName: name}); err != nil {
		return "", err
	}
	env, err := c.Await(ctx, server.TypeRaceCreated)
	if err != nil {
		return "", err
	}

	var ref server.RaceRef
	if err := json.Unmarshal(env.Data, &ref); err != nil {
		return "", err
	}
	return ref.RaceID, nil
}

// Join enters an existing race as a participant.
func (c *Client) Join(ctx context.Context, raceID, userID, name string) error {
	err := c.Send(server.TypeJoinRace, server.JoinRace{RaceID: raceID, UserID: userID, UserName: name})
	if err != nil {
		return err
	}
	_, err = c.Await(ctx, server.TypeRaceJoined)
	return err
}

// Spectate enters an existing race as a spectator.
func (c *Client) Spectate(ctx context.Context, raceID, userID string) error {
	err := c.Send(server.TypeSpectateRace, server.SpectateRace{RaceID: raceID, UserID: userID})
	if err != nil {
		return err
	}
	_, err = c.Await(ctx, server.TypeSpectatorJoined)
	return err
}

// Leave exits a race.
func (c *Client) Leave(ctx context.Context, raceID, userID string) error {
	if err := c.Send(server.TypeLeaveRace, server.LeaveRace{RaceID: raceID, UserID: userID}); err != nil {
		return err
	}
	_, err := c.Await(ctx, server.TypeRaceLeft)
	return err
}

// Close ends the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.wmu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()

		err = c.ws.Close()
	})
	return err
}
