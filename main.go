package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vestnik/internal/config"
	"vestnik/internal/filestore"
	"vestnik/internal/http"
	"vestnik/internal/hub"
	"vestnik/internal/storage"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	attachments, err := filestore.NewLocalAttachmentStore(cfg.AttachmentsPath)
	if err != nil {
		return err
	}

	h, err := hub.New(ctx, hub.Config{
		SeedDemo:   cfg.SeedDemo,
		SummaryTTL: cfg.SummaryTTL,
	}, store)
	if err != nil {
		return err
	}

	apiServer := http.NewAPIServer(h, attachments, store, cfg.MaxUploadBytes, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(apiServer.Start)

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
