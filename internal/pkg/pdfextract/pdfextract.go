package pdfextract

import (
	"bytes"
	"errors"

	"github.com/ledongthuc/pdf"
)

// ExtractPages parses b as a PDF and returns the plain text of each page in
// document order. A page with no extractable text yields an empty string so
// that the returned slice length always equals the page count.
func ExtractPages(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, errors.New("empty document")
	}

	reader, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, err
	}

	total := reader.NumPage()
	pages := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}
