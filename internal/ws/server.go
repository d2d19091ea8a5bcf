package ws

import (
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server upgrades HTTP requests to websocket sessions and hands each one a
// fresh connection identity.
type Server struct {
	hub      sessionHub
	upgrader *websocket.Upgrader
}

func NewServer(hub sessionHub) *Server {
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	connectionID := uuid.NewString()
	conn := NewConnection(s.hub, ws, connectionID)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection %s closed with error: %v", connectionID, err)
	}
}
