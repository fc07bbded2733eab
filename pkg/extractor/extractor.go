package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedFormat marks content types that have no text extractor.
// Documents that hit it are parked in the unsupported-format state and
// never retried.
var ErrUnsupportedFormat = errors.New("unsupported content type")

// Extract turns a stored file into plain text based on its content type.
// PDF and plain text are handled; office formats are recognized but
// deliberately unsupported.
func Extract(path, contentType string) (string, error) {
	ct := strings.ToLower(contentType)

	switch {
	case strings.Contains(ct, "pdf"):
		return extractPDF(path)
	case strings.Contains(ct, "plain"):
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read text file: %w", err)
		}
		return string(data), nil
	case strings.Contains(ct, "word"),
		strings.Contains(ct, "excel"),
		strings.Contains(ct, "spreadsheet"),
		strings.Contains(ct, "officedocument"):
		// TODO: wire a docx/xlsx extractor once one is needed in production
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
	}
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}
	return buf.String(), nil
}
