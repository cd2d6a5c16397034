// Package loader extracts plain text from ordinance PDF files, one page at a
// time, so downstream chunking can keep track of source pages.
package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

// Page is the extracted text of a single PDF page.
type Page struct {
	Number int
	Text   string
}

// ErrNoText is returned when no page of the document yields any text.
var ErrNoText = errors.New("no text extracted from document")

// ExtractPages reads the PDF at path and returns its pages in order. Pages
// whose extraction fails (scanned images, corrupt streams) are skipped with a
// warning rather than failing the whole document; only a document with zero
// extractable pages is an error.
func ExtractPages(path string) ([]Page, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to close pdf")
		}
	}()

	total := reader.NumPage()
	pages := make([]Page, 0, total)
	for n := 1; n <= total; n++ {
		text, err := extractPage(reader, n)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Int("page", n).Msg("skipping unextractable page")
			continue
		}
		if strings.TrimSpace(text) == "" {
			log.Warn().Str("path", path).Int("page", n).Msg("skipping empty page")
			continue
		}
		pages = append(pages, Page{Number: n, Text: text})
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoText)
	}
	return pages, nil
}

// extractPage isolates the pdf library's per-page parsing, converting its
// panics on malformed content streams into ordinary errors.
func extractPage(reader *pdf.Reader, n int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page parse panic: %v", r)
		}
	}()

	p := reader.Page(n)
	if p.V.IsNull() {
		return "", errors.New("null page")
	}
	return p.GetPlainText(nil)
}
