package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"vestnik/internal/filestore"
	"vestnik/internal/models"
	"vestnik/internal/storage"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

type metadataStore interface {
	UpsertFileMetadata(meta storage.FileMetadata) error
	GetFileMetadata(id string) (storage.FileMetadata, error)
}

type API struct {
	files     filestore.AttachmentStore
	meta      metadataStore
	maxUpload int64
}

func New(files filestore.AttachmentStore, meta metadataStore, maxUpload int64) *API {
	return &API{files: files, meta: meta, maxUpload: maxUpload}
}

// UploadResponse describes a stored attachment; the client references it
// from SendMessage by FileID.
type UploadResponse struct {
	FileID   string                `json:"fileId"`
	Type     models.AttachmentType `json:"type"`
	Name     string                `json:"name"`
	MimeType string                `json:"mimeType"`
	Size     int64                 `json:"size"`
}

func (a *API) UploadAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxUpload))
	if err != nil {
		http.Error(w, "Attachment too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 {
		http.Error(w, "Empty attachment", http.StatusBadRequest)
		return
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		http.Error(w, "Unrecognized file type", http.StatusUnsupportedMediaType)
		return
	}
	attachmentType := models.AttachmentTypeFile
	if filetype.IsImage(data) {
		attachmentType = models.AttachmentTypeImage
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if err := a.files.Save(bytes.NewReader(data), hash); err != nil {
		log.Printf("failed to save attachment: %v", err)
		http.Error(w, "Failed to save attachment", http.StatusInternalServerError)
		return
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		Name:      r.URL.Query().Get("name"),
		MimeType:  kind.MIME.Value,
		Size:      int64(len(data)),
		Owner:     models.NormalizeUserName(r.URL.Query().Get("owner")),
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := a.meta.UpsertFileMetadata(meta); err != nil {
		log.Printf("failed to save attachment metadata: %v", err)
		http.Error(w, "Failed to save attachment", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := UploadResponse{
		FileID:   meta.ID,
		Type:     attachmentType,
		Name:     meta.Name,
		MimeType: meta.MimeType,
		Size:     meta.Size,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode upload response: %v", err)
	}
}

func (a *API) GetAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := a.meta.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Attachment not found", http.StatusNotFound)
			return
		}
		log.Printf("failed to load attachment metadata: %v", err)
		http.Error(w, "Failed to load attachment", http.StatusInternalServerError)
		return
	}

	blob, err := a.files.Get(meta.Hash)
	if err != nil {
		log.Printf("failed to open attachment %s: %v", meta.ID, err)
		http.Error(w, "Failed to load attachment", http.StatusInternalServerError)
		return
	}
	defer func() { _ = blob.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	if _, err := io.Copy(w, blob); err != nil {
		log.Printf("failed to stream attachment %s: %v", meta.ID, err)
	}
}
