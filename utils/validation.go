package utils

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._\s-]`)

// SanitizeFilename cleans filename for safe storage by removing dangerous characters
// and limiting length. It trims spaces and dots, removes parent directory references,
// and filters out non-alphanumeric characters except for safe punctuation.
func SanitizeFilename(filename string) string {
	sanitized := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	sanitized = strings.Trim(sanitized, " .")
	sanitized = strings.ReplaceAll(sanitized, "..", "")
	sanitized = unsafeFilenameChars.ReplaceAllString(sanitized, "")
	if len(sanitized) > 255 {
		sanitized = sanitized[:255]
	}
	return sanitized
}

// DatasetFilename is the name an uploaded CSV is stored under in the
// session workspace. It always ends in .csv.
func DatasetFilename(uploaded string) string {
	name := SanitizeFilename(uploaded)
	if name == "" || name == "/" {
		name = "dataset.csv"
	}
	if !strings.EqualFold(filepath.Ext(name), ".csv") {
		name += ".csv"
	}
	return name
}

// ChartFilename is the workspace file holding the chart of one assistant message.
func ChartFilename(messageID string) string {
	return "chart-" + messageID + ".png"
}

// VerifyFileExists checks if file exists at the given path and is not a directory.
// Returns true if the file exists and is a regular file, false otherwise.
func VerifyFileExists(workspaceDir, filename string) bool {
	info, err := os.Stat(filepath.Join(workspaceDir, filename))
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// GenerateMessageID creates a unique message identifier using UUID v4.
func GenerateMessageID() string {
	return uuid.New().String()
}

// IsValidSessionID reports whether id is a canonical UUID string.
func IsValidSessionID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}
