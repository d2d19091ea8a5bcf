package ws

import (
	"context"
	"errors"
	"sync"

	"vestnik/internal/content"
	"vestnik/internal/models"

	"github.com/samber/lo"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type sessionHub interface {
	Connect(connectionID string) chan models.ServerMessage
	Disconnect(connectionID string)
	Handle(connectionID string, msg models.ClientMessage) models.ServerMessage
}

// Connection owns one live websocket: it pumps inbound requests to the hub
// and writes hub events and replies back to the socket.
type Connection struct {
	ws           wsConnection
	hub          sessionHub
	connectionID string
	fromClient   chan models.ClientMessage
	fromHub      chan models.ServerMessage
	errorCh      chan error
}

func NewConnection(
	hub sessionHub,
	ws wsConnection,
	connectionID string,
) *Connection {
	return &Connection{
		ws:           ws,
		hub:          hub,
		connectionID: connectionID,
		fromClient:   make(chan models.ClientMessage),
		fromHub:      hub.Connect(connectionID),
		errorCh:      make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Disconnect(c.connectionID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientMessage(msg); err != nil {
				return err
			}
		case msg, ok := <-c.fromHub:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(msg models.ClientMessage) error {
	if resp, ok := c.validate(msg); !ok {
		return c.ws.WriteJSON(resp)
	}
	return c.ws.WriteJSON(c.hub.Handle(c.connectionID, msg))
}

// validate enforces the edge contract: the hub relies on this layer to
// reject protocol-invalid usernames before Register reaches it.
func (c *Connection) validate(msg models.ClientMessage) (models.ServerMessage, bool) {
	if msg.Type != models.ClientMessageTypeRegister {
		return models.ServerMessage{}, true
	}
	if err := content.ValidateUserName(models.NormalizeUserName(msg.UserName)); err != nil {
		return models.ServerMessage{
			ID:      msg.ID,
			Type:    models.ServerMessageType(msg.Type),
			Success: lo.ToPtr(false),
			Error:   err.Error(),
		}, false
	}
	return models.ServerMessage{}, true
}
