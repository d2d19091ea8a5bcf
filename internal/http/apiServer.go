package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"vestnik/internal/api"
	"vestnik/internal/filestore"
	"vestnik/internal/hub"
	"vestnik/internal/storage"
	"vestnik/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(h *hub.Hub, files filestore.AttachmentStore, store *storage.BboltStorage, maxUpload int64, addr string) *APIServer {
	server := ws.NewServer(h)
	apiHandlers := api.New(files, store, maxUpload)

	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", server.HandleConnections)

	// Attachment endpoints
	mux.HandleFunc("POST /api/attachments", apiHandlers.UploadAttachmentHandler)
	mux.HandleFunc("GET /api/attachments/{id}", apiHandlers.GetAttachmentHandler)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
