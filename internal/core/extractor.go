package core

import (
	"context"
)

// Page is the text of one document page. Numbers start at 1; 0 marks text
// that could not be attributed to a page.
type Page struct {
	Number int    `json:"page_number"`
	Text   string `json:"text"`
}

// Extraction is the result of text extraction with document metadata.
type Extraction struct {
	Pages []Page
	// PageCount is the document's page count, which can exceed len(Pages).
	PageCount int
	Metadata  map[string]string
}

// ValidationResult reports whether bytes form a well-formed document of the declared type.
type ValidationResult struct {
	Valid bool
	Error string
}

// DocumentExtractor turns document bytes into per-page text.
type DocumentExtractor interface {
	Validate(data []byte, contentType string) ValidationResult
	Extract(ctx context.Context, data []byte) (*Extraction, error)
}
