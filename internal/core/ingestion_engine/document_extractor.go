package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os/exec"
	"strconv"
	"strings"

	"code.sajari.com/docconv"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
)

// ConvertFunc converts a PDF into plain text plus document metadata.
// Pages are separated by form feeds when the converter preserves them;
// the "Pages" metadata key carries the page count as pdfinfo reports it.
type ConvertFunc func(r io.Reader) (string, map[string]string, error)

// PDFExtractor implements core.DocumentExtractor using sajari/docconv.
type PDFExtractor struct {
	convert ConvertFunc
}

var _ core.DocumentExtractor = (*PDFExtractor)(nil)

func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{convert: convertPDFPages}
}

// convertPDFPages runs docconv for text and metadata. docconv asks pdftotext for
// a body without page breaks, so multi-page documents are converted a second
// time with breaks kept; if that fails the unsplit body is returned.
func convertPDFPages(r io.Reader) (string, map[string]string, error) {
	f, err := docconv.NewLocalFile(r)
	if err != nil {
		return "", nil, err
	}
	defer f.Done()

	body, meta, err := docconv.ConvertPDF(f.File)
	if err != nil {
		return "", nil, err
	}
	if declaredPages(meta) > 1 {
		paged, err := exec.Command("pdftotext", "-q", "-enc", "UTF-8", "-eol", "unix", f.Name(), "-").Output()
		if err == nil && bytes.ContainsRune(paged, '\f') {
			body = string(paged)
		}
	}
	return body, meta, nil
}

func declaredPages(meta map[string]string) int {
	n, err := strconv.Atoi(strings.TrimSpace(meta["Pages"]))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// NewPDFExtractorWith swaps the converter, e.g. for tests without poppler installed.
func NewPDFExtractorWith(convert ConvertFunc) *PDFExtractor {
	return &PDFExtractor{convert: convert}
}

const pdfMarkerWindow = 1024

// Validate checks the declared type and the PDF header and trailer markers.
func (e *PDFExtractor) Validate(data []byte, contentType string) core.ValidationResult {
	if len(data) == 0 {
		return core.ValidationResult{Error: "empty file"}
	}
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil || mt != "application/pdf" {
			return core.ValidationResult{Error: fmt.Sprintf("unsupported content type %q", contentType)}
		}
	}

	head := data[:min(len(data), pdfMarkerWindow)]
	if !bytes.Contains(head, []byte("%PDF-")) {
		return core.ValidationResult{Error: "missing %PDF- header"}
	}
	tail := data[max(0, len(data)-pdfMarkerWindow):]
	if !bytes.Contains(tail, []byte("%%EOF")) {
		return core.ValidationResult{Error: "truncated PDF: missing %%EOF trailer"}
	}
	return core.ValidationResult{Valid: true}
}

type convertResult struct {
	body string
	meta map[string]string
	err  error
}

// Extract runs the converter off the calling goroutine so ctx can abandon it.
func (e *PDFExtractor) Extract(ctx context.Context, data []byte) (*core.Extraction, error) {
	out := make(chan convertResult, 1)
	go func() {
		body, meta, err := e.convert(bytes.NewReader(data))
		out <- convertResult{body: body, meta: meta, err: err}
	}()

	var res convertResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-out:
	}
	if res.err != nil {
		return nil, core.Validation("extract pdf", fmt.Errorf("%w: %v", core.ErrInvalidDocument, res.err))
	}

	declared := declaredPages(res.meta)
	pages := splitPages(res.body, declared)
	count := declared
	if count == 0 {
		for _, p := range pages {
			count = max(count, p.Number)
		}
		if count == 0 && len(pages) > 0 {
			count = 1
		}
	}
	return &core.Extraction{Pages: pages, PageCount: count, Metadata: res.meta}, nil
}

// splitPages numbers pages by their position in the form-feed separated body;
// blank pages keep their number but produce no entry. A body without form feeds
// can only be attributed to a page when the document has exactly one, otherwise
// its single entry carries page number 0.
func splitPages(body string, declared int) []core.Page {
	if !strings.Contains(body, "\f") && declared != 1 {
		text := strings.TrimSpace(body)
		if text == "" {
			return nil
		}
		return []core.Page{{Text: text}}
	}
	raw := strings.Split(body, "\f")
	pages := make([]core.Page, 0, len(raw))
	for i, p := range raw {
		text := strings.TrimSpace(p)
		if text == "" {
			continue
		}
		pages = append(pages, core.Page{Number: i + 1, Text: text})
	}
	return pages
}
