// Package extract turns fetched bodies into text suitable for embedding.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// ErrNotPDF is returned when a document body lacks the PDF header.
var ErrNotPDF = errors.New("body is not a PDF document")

// ErrNoText is returned when nothing readable could be extracted.
var ErrNoText = errors.New("no extractable text")

var pdfMagic = []byte("%PDF-")

// minRun is the shortest printable run kept from a PDF body.
const minRun = 4

// PDF validates the header and returns the printable text runs of a PDF body.
// Compressed streams yield little; the artifact itself is stored untouched.
func PDF(body []byte) (string, error) {
	trimmed := bytes.TrimLeft(body, "\x00\t\r\n ")
	if !bytes.HasPrefix(trimmed, pdfMagic) {
		return "", ErrNotPDF
	}
	var (
		out strings.Builder
		run []rune
	)
	flush := func() {
		if len(run) >= minRun {
			if out.Len() > 0 {
				out.WriteByte(' ')
			}
			out.WriteString(string(run))
		}
		run = run[:0]
	}
	for _, b := range trimmed[len(pdfMagic):] {
		r := rune(b)
		if b < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsPunct(r) || r == ' ') {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	if out.Len() == 0 {
		return "", ErrNoText
	}
	return out.String(), nil
}

// Page returns the visible text of an HTML document, whitespace collapsed.
func Page(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	var parts []string
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		parts = append(parts, title)
	}
	if text := strings.Join(strings.Fields(doc.Find("body").Text()), " "); text != "" {
		parts = append(parts, text)
	}
	if len(parts) == 0 {
		return "", ErrNoText
	}
	return strings.Join(parts, "\n"), nil
}
