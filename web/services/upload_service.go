package services

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"eda-agent/dataset"
	apperrors "eda-agent/errors"
	"eda-agent/session"
	"eda-agent/utils"

	"go.uber.org/zap"
)

type UploadService struct {
	cache    *dataset.Cache
	manager  *session.Manager
	maxBytes int64
	logger   *zap.Logger
}

// UploadResult describes a dataset that became the session's active dataset.
type UploadResult struct {
	Filename string
	Rows     int
	Columns  int
}

func NewUploadService(cache *dataset.Cache, manager *session.Manager, maxBytes int64, logger *zap.Logger) *UploadService {
	return &UploadService{
		cache:    cache,
		manager:  manager,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// ValidateFile checks the file name, type and size. It returns the sanitized
// file name.
func (us *UploadService) ValidateFile(file *multipart.FileHeader) (string, error) {
	sanitizedFilename := utils.SanitizeFilename(file.Filename)
	if sanitizedFilename == "" {
		return "", apperrors.WrapError(apperrors.ErrInvalidInput, "invalid or unsafe filename")
	}

	ext := strings.ToLower(filepath.Ext(sanitizedFilename))
	if ext != ".csv" {
		return "", apperrors.WrapError(apperrors.ErrInvalidInput, "invalid file type, please upload a CSV file")
	}

	if us.maxBytes > 0 && file.Size > us.maxBytes {
		return "", apperrors.WrapErrorf(apperrors.ErrInvalidInput, "file too large, maximum size is %d MB", us.maxBytes>>20)
	}

	return sanitizedFilename, nil
}

// ProcessUpload parses the upload and makes it the session's dataset. On any
// error the session is left unchanged.
func (us *UploadService) ProcessUpload(ctx context.Context, sessionID string, file *multipart.FileHeader) (*UploadResult, error) {
	filename, err := us.ValidateFile(file)
	if err != nil {
		return nil, err
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	ds, err := us.Load(filename, src)
	if err != nil {
		us.logger.Warn("Uploaded file could not be parsed",
			zap.String("session_id", sessionID),
			zap.String("filename", filename),
			zap.Error(err))
		return nil, err
	}

	if err := us.manager.SetDataset(ctx, sessionID, ds); err != nil {
		us.logger.Error("Failed to store dataset",
			zap.Error(err),
			zap.String("filename", filename),
			zap.String("session_id", sessionID))
		return nil, err
	}

	us.logger.Info("Dataset uploaded",
		zap.String("filename", filename),
		zap.String("session_id", sessionID),
		zap.Int("rows", ds.NumRows()),
		zap.Int("columns", ds.NumColumns()),
		zap.Int64("size_bytes", file.Size))

	return &UploadResult{Filename: ds.Name(), Rows: ds.NumRows(), Columns: ds.NumColumns()}, nil
}

// Load parses r through the dataset cache, enforcing the size limit.
func (us *UploadService) Load(name string, r io.Reader) (*dataset.Dataset, error) {
	if us.maxBytes > 0 {
		r = &limitedReader{r: io.LimitReader(r, us.maxBytes+1), max: us.maxBytes}
	}
	return us.cache.Load(name, r)
}

// limitedReader fails once more than max bytes were read.
type limitedReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.max {
		return n, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "file too large, maximum size is %d MB", l.max>>20)
	}
	return n, err
}

// UserMessage turns an upload error into the text shown to the user.
func UserMessage(err error) string {
	switch {
	case apperrors.IsInvalidCSV(err):
		return "Error reading the CSV file: " + strings.TrimSuffix(err.Error(), ": "+apperrors.ErrInvalidCSV.Error())
	case apperrors.IsInvalidInput(err):
		return strings.TrimSuffix(err.Error(), ": "+apperrors.ErrInvalidInput.Error())
	default:
		return "The file could not be loaded. Please try again."
	}
}
