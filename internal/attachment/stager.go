package attachment

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"solarchat/internal/constants"
	apperrors "solarchat/internal/errors"
	"solarchat/internal/metrics"
	"solarchat/internal/security"
	"solarchat/pkg/chat/types"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// Uploader is the part of the backend client the stager needs
type Uploader interface {
	UploadFile(ctx context.Context, name, contentType string, content io.Reader) ([]types.Attachment, error)
}

// PendingAttachment describes the file staged for the next message
type PendingAttachment struct {
	Name        string
	ContentType string
	Size        int64
	PreviewURI  string

	file *os.File
}

// Stager holds at most one file for the message being composed. The file is
// uploaded only when the message is sent.
type Stager struct {
	mu       sync.Mutex
	pending  *PendingAttachment
	uploader Uploader
	maxBytes int64
	logger   *apperrors.Logger
}

func NewStager(uploader Uploader, maxSizeMB int, logger *logrus.Logger) *Stager {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = constants.DefaultMaxAttachmentMB
	}
	return &Stager{
		uploader: uploader,
		maxBytes: int64(maxSizeMB) << 20,
		logger:   apperrors.NewLogger(logger),
	}
}

// Stage opens path and makes it the pending attachment, releasing any file
// staged before. On error the previous file stays staged.
func (s *Stager) Stage(path string) (*PendingAttachment, error) {
	info, err := security.ValidateUploadFile(path, s.maxBytes)
	if err != nil {
		return nil, apperrors.NewValidationError("file", filepath.Base(path), err.Error())
	}

	file, err := os.Open(path) // #nosec G304 - user-selected file, checked by ValidateUploadFile
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "failed to open attachment")
	}

	contentType, err := DetectContentType(file, path)
	if err != nil {
		file.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "failed to read attachment")
	}

	pending := &PendingAttachment{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		PreviewURI:  previewURI(path),
		file:        file,
	}

	s.mu.Lock()
	previous := s.pending
	s.pending = pending
	s.mu.Unlock()

	if previous != nil {
		previous.file.Close()
	}

	s.logger.WithFields(logrus.Fields{
		"name": pending.Name,
		"type": pending.ContentType,
		"size": pending.Size,
	}).Debug("Attachment staged")

	staged := *pending
	staged.file = nil
	return &staged, nil
}

// Clear releases the staged file, if any
func (s *Stager) Clear() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		pending.file.Close()
	}
}

// Pending reports the staged file
func (s *Stager) Pending() (PendingAttachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return PendingAttachment{}, false
	}
	staged := *s.pending
	staged.file = nil
	return staged, true
}

// Commit uploads the staged file and returns its descriptor. Nothing staged
// returns nil without an upload; a failed upload is logged and also returns
// nil so the message can go out without it. The stager is empty afterwards.
func (s *Stager) Commit(ctx context.Context) []types.Attachment {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending == nil {
		return nil
	}
	defer pending.file.Close()

	metrics.IncrementCounter(metrics.UploadsTotal, nil, "Attachment uploads")

	if _, err := pending.file.Seek(0, io.SeekStart); err != nil {
		s.uploadFailed(apperrors.Wrap(err, apperrors.ErrCodeUpload, "failed to rewind attachment"), pending)
		return nil
	}

	files, err := s.uploader.UploadFile(ctx, pending.Name, pending.ContentType, pending.file)
	if err != nil {
		s.uploadFailed(err, pending)
		return nil
	}
	if len(files) == 0 {
		s.uploadFailed(apperrors.New(apperrors.ErrCodeUpload, "upload returned no descriptor"), pending)
		return nil
	}

	return files[:1]
}

func (s *Stager) uploadFailed(err error, pending *PendingAttachment) {
	metrics.IncrementCounter(metrics.UploadFailures, nil, "Failed attachment uploads")
	s.logger.LogWarn(err, "Attachment upload failed, sending text only", logrus.Fields{
		"name": pending.Name,
		"size": pending.Size,
	})
}

// DetectContentType resolves the MIME type from the file extension and falls
// back to sniffing the content. The reader is rewound afterwards.
func DetectContentType(file io.ReadSeeker, name string) (string, error) {
	if mimeType, ok := constants.MimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return mimeType, nil
	}

	detected, err := mimetype.DetectReader(file)
	if err != nil {
		return "", fmt.Errorf("failed to sniff content type: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind file: %w", err)
	}

	mimeType, _, _ := strings.Cut(detected.String(), ";")
	if mimeType == "" {
		return constants.DefaultMimeType, nil
	}
	return mimeType, nil
}

func previewURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
