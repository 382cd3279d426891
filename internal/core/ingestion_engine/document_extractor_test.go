package ingestion_engine

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
)

func TestPDFExtractorValidate(t *testing.T) {
	e := NewPDFExtractorWith(nil)
	padding := strings.Repeat("x", 2048)

	tests := []struct {
		name        string
		data        []byte
		contentType string
		errContains string
	}{
		{name: "valid", data: samplePDF, contentType: "application/pdf"},
		{name: "content type with params", data: samplePDF, contentType: "application/pdf; charset=binary"},
		{name: "no content type", data: samplePDF},
		{name: "empty", data: nil, errContains: "empty"},
		{name: "wrong type", data: samplePDF, contentType: "text/plain", errContains: "unsupported content type"},
		{name: "no header", data: []byte("hello %%EOF"), errContains: "%PDF-"},
		{name: "header too late", data: []byte(padding + "%PDF-1.4 %%EOF"), errContains: "%PDF-"},
		{name: "truncated", data: []byte("%PDF-1.4\n" + padding), errContains: "%%EOF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Validate(tt.data, tt.contentType)
			if tt.errContains == "" {
				assert.True(t, res.Valid, res.Error)
				return
			}
			assert.False(t, res.Valid)
			assert.Contains(t, res.Error, tt.errContains)
		})
	}
}

func TestSplitPages(t *testing.T) {
	pages := splitPages("first page\f\f  third page \n\f", 3)
	require.Len(t, pages, 2)
	assert.Equal(t, core.Page{Number: 1, Text: "first page"}, pages[0])
	assert.Equal(t, core.Page{Number: 3, Text: "third page"}, pages[1])

	single := splitPages(" one page only ", 1)
	assert.Equal(t, []core.Page{{Number: 1, Text: "one page only"}}, single)

	unsplit := splitPages("many pages without breaks", 12)
	assert.Equal(t, []core.Page{{Number: 0, Text: "many pages without breaks"}}, unsplit)

	unknown := splitPages("no page count either", 0)
	require.Len(t, unknown, 1)
	assert.Zero(t, unknown[0].Number)

	assert.Empty(t, splitPages("", 0))
	assert.Empty(t, splitPages("  ", 4))
}

func TestDeclaredPages(t *testing.T) {
	assert.Equal(t, 7, declaredPages(map[string]string{"Pages": " 7"}))
	assert.Zero(t, declaredPages(map[string]string{"Pages": "seven"}))
	assert.Zero(t, declaredPages(map[string]string{"Pages": "-2"}))
	assert.Zero(t, declaredPages(nil))
}

func TestPDFExtractorExtract(t *testing.T) {
	e := NewPDFExtractorWith(func(r io.Reader) (string, map[string]string, error) {
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, samplePDF, data)
		return "one\ftwo", map[string]string{"Title": "Doc"}, nil
	})

	ext, err := e.Extract(context.Background(), samplePDF)
	require.NoError(t, err)
	assert.Len(t, ext.Pages, 2)
	assert.Equal(t, 2, ext.PageCount)
	assert.Equal(t, "Doc", ext.Metadata["Title"])
}

func TestPDFExtractorExtractBodyWithoutPageBreaks(t *testing.T) {
	e := NewPDFExtractorWith(func(io.Reader) (string, map[string]string, error) {
		return "page one text page two text page three text", map[string]string{"Pages": "3"}, nil
	})

	ext, err := e.Extract(context.Background(), samplePDF)
	require.NoError(t, err)
	require.Len(t, ext.Pages, 1)
	assert.Zero(t, ext.Pages[0].Number)
	assert.Equal(t, 3, ext.PageCount)
}

func TestPDFExtractorExtractHonoursContext(t *testing.T) {
	unblock := make(chan struct{})
	defer close(unblock)
	e := NewPDFExtractorWith(func(io.Reader) (string, map[string]string, error) {
		<-unblock
		return "late", nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Extract(ctx, samplePDF)
	assert.ErrorIs(t, err, context.Canceled)
}
