package messaging

import (
	"strings"

	"github.com/google/uuid"
)

var extensionByType = map[string]string{
	"application/pdf":    ".pdf",
	"image/jpeg":         ".jpg",
	"image/png":          ".png",
	"text/plain":         ".txt",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   ".docx",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
}

// AttachmentFilename builds a collision-free filename for inbound media.
// The original name is kept when the sender provided one; otherwise the
// extension is derived from the content type.
func AttachmentFilename(originalName, contentType string) string {
	prefix := uuid.NewString()

	name := strings.TrimSpace(originalName)
	if name != "" {
		return prefix + "_" + name
	}

	ct := contentType
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	ext, ok := extensionByType[strings.ToLower(strings.TrimSpace(ct))]
	if !ok {
		ext = ".bin"
	}
	return prefix + ext
}
