// Package receiptfile inspects uploaded proof-of-purchase files before they
// are stored: actual content type, size ceiling, PDF structure and a stable
// content digest used for duplicate detection.
package receiptfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
)

// DefaultMaxBytes is the server-side ceiling for a single receipt.
const DefaultMaxBytes int64 = 10 << 20

var (
	ErrEmpty           = errors.New("file is empty")
	ErrTooLarge        = errors.New("file exceeds maximum size")
	ErrUnsupportedType = errors.New("file type not allowed")
	ErrMalformedPDF    = errors.New("pdf is malformed")
)

// allowedTypes maps detected MIME types to the extension used in storage keys.
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
}

// Inspection is what the validator learned about an accepted file.
type Inspection struct {
	ContentType string
	Extension   string
	Size        int64
	SHA256      string
	Pages       int
}

type Validator struct {
	maxBytes int64
}

// NewValidator builds a validator; a non-positive limit uses DefaultMaxBytes.
func NewValidator(maxBytes int64) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Validator{maxBytes: maxBytes}
}

func (v *Validator) MaxBytes() int64 {
	return v.maxBytes
}

// ReadAll reads at most MaxBytes from r and reports ErrTooLarge when the
// source holds more.
func (v *Validator) ReadAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, v.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > v.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// Inspect validates data by its magic bytes. The declared content type is
// never consulted.
func (v *Validator) Inspect(data []byte) (Inspection, error) {
	size := int64(len(data))
	if size == 0 {
		return Inspection{}, ErrEmpty
	}
	if size > v.maxBytes {
		return Inspection{}, ErrTooLarge
	}

	detected := mimetype.Detect(data)
	ext, ok := allowedTypes[detected.String()]
	if !ok {
		return Inspection{}, fmt.Errorf("%w: detected %s", ErrUnsupportedType, detected.String())
	}

	out := Inspection{
		ContentType: detected.String(),
		Extension:   ext,
		Size:        size,
	}
	if out.ContentType == "application/pdf" {
		pages, err := countPDFPages(data)
		if err != nil {
			return Inspection{}, err
		}
		out.Pages = pages
	}
	out.SHA256 = Digest(data)
	return out, nil
}

// Digest is the hex SHA-256 of the raw bytes.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// countPDFPages opens the document with a real parser. The parser panics on
// some truncated inputs, so panics are reported as ErrMalformedPDF.
func countPDFPages(data []byte) (pages int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pages, err = 0, fmt.Errorf("%w: %v", ErrMalformedPDF, rec)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPDF, err)
	}
	pages = reader.NumPage()
	if pages < 1 {
		return 0, fmt.Errorf("%w: no pages", ErrMalformedPDF)
	}
	return pages, nil
}
