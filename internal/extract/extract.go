package extract

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"code.sajari.com/docconv"

	"github.com/swimr-hq/swimr/internal/common"
)

// ExtractionError signals an unsupported format or unparseable content, e.g.
// a scanned-image PDF with no selectable text.
type ExtractionError struct {
	Reason string
}

func (e *ExtractionError) Error() string {
	return "extraction failed: " + e.Reason
}

// Extractor turns a staged file's raw content into plain text.
type Extractor interface {
	Extract(filename string, content []byte) (string, error)
}

// DocExtractor extracts text from PDF, Word and plain-text files.
type DocExtractor struct {
	log       *slog.Logger
	minLength int
}

var _ Extractor = (*DocExtractor)(nil)

func NewDocExtractor(logger *slog.Logger) *DocExtractor {
	return &DocExtractor{log: logger, minLength: common.MinExtractedTextLen}
}

func (e *DocExtractor) Extract(filename string, content []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	var text string

	switch ext {
	case common.ExtPDF, common.ExtDOCX, common.ExtDOC, common.ExtRTF, common.ExtODT:
		res, err := docconv.Convert(bytes.NewReader(content), docconv.MimeTypeByExtension(filename), true)
		if err != nil {
			return "", &ExtractionError{Reason: fmt.Sprintf("parse %s document: %v", ext, err)}
		}
		text = res.Body
	case common.ExtTXT:
		text = string(content)
	default:
		return "", &ExtractionError{Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}

	text = strings.TrimSpace(text)
	if len(text) < e.minLength {
		return "", &ExtractionError{Reason: "document contains no extractable text"}
	}
	e.log.Debug("text extracted", "file", filename, "chars", len(text))
	return text, nil
}
