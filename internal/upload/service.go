package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"modelsentry/internal/auth"
	"modelsentry/internal/config"
	apperrors "modelsentry/internal/errors"
	"modelsentry/internal/events"
	"modelsentry/internal/store"
	"modelsentry/types"
)

// Service receives model file uploads, verifies them, stores the bytes on
// disk, and queues a scan for each accepted file.
type Service struct {
	store    *store.Store
	producer *events.Producer
	cfg      config.UploadConfig
	formats  map[string]struct{}
	log      *logrus.Entry
}

// NewService creates the upload service and ensures the storage directory
// exists.
func NewService(st *store.Store, producer *events.Producer, cfg config.UploadConfig, log *logrus.Entry) (*Service, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	formats := make(map[string]struct{}, len(cfg.Formats))
	for _, f := range cfg.Formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			formats[f] = struct{}{}
		}
	}

	return &Service{store: st, producer: producer, cfg: cfg, formats: formats, log: log}, nil
}

// Result is returned from a successful upload.
type Result struct {
	File      *types.ModelFile `json:"file"`
	Scan      *types.ScanJob   `json:"scan"`
	Duplicate bool             `json:"duplicate"`
}

// Receive validates and stores an uploaded model file, then queues a scan.
// When an identical file already exists for the organization, the existing
// record is returned and nothing new is stored or scanned.
func (s *Service) Receive(ctx context.Context, session *auth.Session, filename string, size int64, r io.Reader) (*Result, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." {
		return nil, apperrors.NewValidationError("filename is required", nil)
	}

	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if _, ok := s.formats[format]; !ok {
		return nil, apperrors.NewValidationError("unsupported model format", map[string]interface{}{
			"format":  format,
			"allowed": s.cfg.Formats,
		})
	}

	if size > s.cfg.MaxSizeBytes {
		return nil, apperrors.NewValidationError("file exceeds the maximum upload size", map[string]interface{}{
			"size_bytes": size,
			"max_bytes":  s.cfg.MaxSizeBytes,
		})
	}

	id := uuid.New().String()
	storagePath := filepath.Join(s.cfg.StorageDir, id+"."+format)

	hash, written, err := s.writeFile(storagePath, r)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to store uploaded file", err)
	}
	if written == 0 {
		_ = os.Remove(storagePath)
		return nil, apperrors.NewValidationError("uploaded file is empty", nil)
	}
	if written > s.cfg.MaxSizeBytes {
		_ = os.Remove(storagePath)
		return nil, apperrors.NewValidationError("file exceeds the maximum upload size", map[string]interface{}{
			"max_bytes": s.cfg.MaxSizeBytes,
		})
	}

	// Duplicate content for this org short-circuits to the existing record.
	if existing, err := s.store.FindModelFileByHash(ctx, session.OrganizationID, hash); err != nil {
		_ = os.Remove(storagePath)
		return nil, apperrors.NewInternalError("Failed to check for duplicates", err)
	} else if existing != nil {
		_ = os.Remove(storagePath)
		s.log.WithFields(logrus.Fields{
			"model_file_id": existing.ID,
			"sha256":        hash,
		}).Info("📦 Duplicate upload, reusing existing model file")
		return &Result{File: existing, Duplicate: true}, nil
	}

	file := &types.ModelFile{
		ID:             id,
		OrganizationID: session.OrganizationID,
		Name:           filename,
		Format:         format,
		SizeBytes:      written,
		SHA256:         hash,
		StoragePath:    storagePath,
		UploadedBy:     session.UserID,
		Active:         true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateModelFile(ctx, file); err != nil {
		_ = os.Remove(storagePath)
		return nil, apperrors.NewInternalError("Failed to record uploaded file", err)
	}

	scan := &types.ScanJob{
		ID:             uuid.New().String(),
		OrganizationID: session.OrganizationID,
		ModelFileID:    file.ID,
		Status:         types.ScanStatusQueued,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.EnqueueScan(ctx, scan); err != nil {
		return nil, apperrors.NewInternalError("Failed to queue scan", err)
	}

	if err := s.store.InsertAuditLog(ctx, store.AuditEntry{
		OrganizationID: session.OrganizationID,
		UserID:         session.UserID,
		Action:         "model.upload",
		Resource:       "model",
		ResourceID:     file.ID,
		Detail:         filename,
	}); err != nil {
		s.log.WithError(err).Warn("Failed to write upload audit record")
	}

	s.producer.PublishUser(ctx, events.UploadReceivedEvent, session.OrganizationID, session.UserID, map[string]interface{}{
		"model_file_id": file.ID,
		"format":        format,
		"size_bytes":    written,
	})
	s.producer.PublishSystem(ctx, events.ScanQueuedEvent, session.OrganizationID, map[string]interface{}{
		"scan_id":       scan.ID,
		"model_file_id": file.ID,
	})

	s.log.WithFields(logrus.Fields{
		"model_file_id": file.ID,
		"scan_id":       scan.ID,
		"format":        format,
		"size_bytes":    written,
	}).Info("📦 Model file uploaded and scan queued")

	return &Result{File: file, Scan: scan}, nil
}

// writeFile streams the upload to disk while hashing it. It reads one byte
// past the limit so oversized bodies are detected without trusting the
// declared size.
func (s *Service) writeFile(path string, r io.Reader) (hash string, written int64, err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	written, err = io.Copy(io.MultiWriter(f, hasher), io.LimitReader(r, s.cfg.MaxSizeBytes+1))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), written, nil
}

// Get returns a model file by ID.
func (s *Service) Get(ctx context.Context, orgID, id string) (*types.ModelFile, error) {
	file, err := s.store.GetModelFile(ctx, orgID, id)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to load model file", err)
	}
	if file == nil {
		return nil, apperrors.NewNotFoundError("Model file")
	}
	return file, nil
}

// List returns a page of the organization's active model files.
func (s *Service) List(ctx context.Context, orgID string, limit, offset int) ([]*types.ModelFile, int64, error) {
	files, total, err := s.store.ListModelFiles(ctx, orgID, limit, offset)
	if err != nil {
		return nil, 0, apperrors.NewInternalError("Failed to list model files", err)
	}
	return files, total, nil
}

// Delete soft-deletes a model file, removes its bytes from disk, and cancels
// any scans still waiting in the queue.
func (s *Service) Delete(ctx context.Context, session *auth.Session, id string) error {
	file, err := s.store.GetModelFile(ctx, session.OrganizationID, id)
	if err != nil {
		return apperrors.NewInternalError("Failed to load model file", err)
	}
	if file == nil || !file.Active {
		return apperrors.NewNotFoundError("Model file")
	}

	ok, err := s.store.DeactivateModelFile(ctx, session.OrganizationID, id)
	if err != nil {
		return apperrors.NewInternalError("Failed to delete model file", err)
	}
	if !ok {
		return apperrors.NewNotFoundError("Model file")
	}

	if err := s.store.CancelQueuedScans(ctx, id); err != nil {
		s.log.WithError(err).Warn("Failed to cancel queued scans for deleted model")
	}

	if err := os.Remove(file.StoragePath); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).Warn("Failed to remove model file from disk")
	}

	if err := s.store.InsertAuditLog(ctx, store.AuditEntry{
		OrganizationID: session.OrganizationID,
		UserID:         session.UserID,
		Action:         "model.delete",
		Resource:       "model",
		ResourceID:     id,
	}); err != nil {
		s.log.WithError(err).Warn("Failed to write delete audit record")
	}

	s.log.WithField("model_file_id", id).Info("📦 Model file deleted")
	return nil
}
