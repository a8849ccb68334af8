// Package extract converts uploaded résumé documents (PDF, DOCX, plain
// text) into plain text for the parse pipeline.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/phrazzld/tailor-api/internal/domain"
)

// Supported MIME types
const (
	MimePDF   = "application/pdf"
	MimeDOCX  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimePlain = "text/plain"
)

// Error definitions for the extract package.
var (
	// ErrUnsupportedType is returned for MIME types with no extractor.
	ErrUnsupportedType = errors.New("unsupported document type")

	// ErrNoText is returned when a document yields no readable text.
	ErrNoText = errors.New("document contains no extractable text")
)

var (
	xmlTagRegex     = regexp.MustCompile(`<[^>]+>`)
	inlineSpaceRe   = regexp.MustCompile(`[ \t\r\f\v]+`)
	repeatedNewline = regexp.MustCompile(`\n{2,}`)
)

// Extractor turns document bytes into plain text. Every failure is an
// ExtractionError.
type Extractor struct {
	logger   *slog.Logger
	maxBytes int
}

// NewExtractor creates an Extractor. maxBytes bounds accepted input; zero
// disables the bound.
func NewExtractor(logger *slog.Logger, maxBytes int) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		logger:   logger.With("component", "extractor"),
		maxBytes: maxBytes,
	}
}

// Extract returns the text content of data. It returns early with the
// context's error if ctx ends first; the parsing libraries are not
// cancellable so the parse itself finishes in the background.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", domain.NewExtractionError("extract", ErrNoText)
	}
	if e.maxBytes > 0 && len(data) > e.maxBytes {
		return "", domain.NewExtractionError("extract",
			fmt.Errorf("document is %d bytes, limit is %d", len(data), e.maxBytes))
	}

	mediaType := NormalizeMimeType(mimeType)

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("document parser panicked: %v", p)}
			}
		}()
		text, err := e.extract(data, mediaType)
		done <- outcome{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case out := <-done:
		if out.err != nil {
			e.logger.WarnContext(ctx, "text extraction failed",
				"mime_type", mediaType,
				"size_bytes", len(data),
				"error", out.err)
			return "", domain.NewExtractionError(mediaType, out.err)
		}
		e.logger.DebugContext(ctx, "text extracted",
			"mime_type", mediaType,
			"size_bytes", len(data),
			"text_length", len(out.text))
		return out.text, nil
	}
}

func (e *Extractor) extract(data []byte, mediaType string) (string, error) {
	var (
		text string
		err  error
	)

	switch mediaType {
	case MimePDF:
		text, err = fromPDF(data)
	case MimeDOCX:
		text, err = fromDOCX(data)
	case MimePlain, "text/markdown":
		if !utf8.Valid(data) {
			return "", errors.New("text document is not valid UTF-8")
		}
		text = string(data)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, mediaType)
	}
	if err != nil {
		return "", err
	}

	text = normalizeWhitespace(text)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

func fromPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}
	return buf.String(), nil
}

func fromDOCX(data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}
	defer func() { _ = r.Close() }()

	content := r.Editable().GetContent()
	content = strings.ReplaceAll(content, "</w:p>", "\n")
	content = strings.ReplaceAll(content, "<w:tab/>", "\t")
	return xmlTagRegex.ReplaceAllString(content, " "), nil
}

func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = inlineSpaceRe.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = repeatedNewline.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// NormalizeMimeType strips parameters and lower-cases the media type.
func NormalizeMimeType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType
}

// DetectMimeType infers a media type from a file name, falling back to the
// declared type.
func DetectMimeType(fileName, declared string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return MimePDF
	case ".docx":
		return MimeDOCX
	case ".txt", ".text":
		return MimePlain
	case ".md":
		return "text/markdown"
	}
	return NormalizeMimeType(declared)
}
