package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelsentry/internal/auth"
	"modelsentry/internal/config"
	apperrors "modelsentry/internal/errors"
)

func testUploadService(t *testing.T, maxSize int64) *Service {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	svc, err := NewService(nil, nil, config.UploadConfig{
		MaxSizeBytes: maxSize,
		Formats:      []string{"pt", "onnx", "safetensors"},
		StorageDir:   t.TempDir(),
	}, logrus.NewEntry(log))
	require.NoError(t, err)
	return svc
}

func testUploadSession() *auth.Session {
	return &auth.Session{UserID: "user-1", OrganizationID: "org-1"}
}

func TestReceiveRejectsUnsupportedFormat(t *testing.T) {
	svc := testUploadService(t, 1<<20)

	_, err := svc.Receive(context.Background(), testUploadSession(), "model.exe", 10, bytes.NewReader([]byte("data")))
	require.Error(t, err)

	appErr := apperrors.From(err)
	assert.Equal(t, apperrors.ErrorTypeValidation, appErr.Type)
	assert.Equal(t, "exe", appErr.Details["format"])
}

func TestReceiveRejectsMissingFilename(t *testing.T) {
	svc := testUploadService(t, 1<<20)

	_, err := svc.Receive(context.Background(), testUploadSession(), "", 10, bytes.NewReader(nil))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.From(err).Type)
}

func TestReceiveRejectsDeclaredOversize(t *testing.T) {
	svc := testUploadService(t, 100)

	_, err := svc.Receive(context.Background(), testUploadSession(), "model.pt", 101, bytes.NewReader(nil))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.From(err).Type)
}

func TestReceiveRejectsActualOversize(t *testing.T) {
	// Declared size lies; the stream itself is over the cap.
	svc := testUploadService(t, 16)

	body := bytes.Repeat([]byte("a"), 64)
	_, err := svc.Receive(context.Background(), testUploadSession(), "model.pt", 10, bytes.NewReader(body))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.From(err).Type)
}

func TestReceiveRejectsEmptyBody(t *testing.T) {
	svc := testUploadService(t, 1<<20)

	_, err := svc.Receive(context.Background(), testUploadSession(), "model.pt", 0, bytes.NewReader(nil))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.From(err).Type)
}

func TestWriteFileHashesContent(t *testing.T) {
	svc := testUploadService(t, 1<<20)
	content := []byte("model weights go here")

	path := filepath.Join(t.TempDir(), "blob")
	hash, written, err := svc.writeFile(path, bytes.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), written)
	want := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(want[:]), hash)
}

func TestFilenameIsSanitized(t *testing.T) {
	svc := testUploadService(t, 1<<20)

	// Path traversal in the filename must not escape validation; the base
	// name has no accepted extension here.
	_, err := svc.Receive(context.Background(), testUploadSession(), "../../etc/passwd", 10, bytes.NewReader([]byte("x")))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.From(err).Type)
}
