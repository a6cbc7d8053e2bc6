package tools

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html"
)

// ExtractText converts a document to plain text, keyed by file extension.
// PDFs, XLSX workbooks, DOCX documents, and HTML pages get real extractors;
// everything else is treated as already-plain text.
func ExtractText(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return pdfToText(data)
	case ".xlsx":
		return xlsxToText(data)
	case ".docx":
		return docxToText(data)
	case ".html", ".htm":
		_, text, err := htmlToText(bytes.NewReader(data))
		return text, err
	default:
		return string(data), nil
	}
}

func pdfToText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String()), nil
}

// xlsxToText returns all cell values, rows newline separated and cells tab
// separated, across every sheet.
func xlsxToText(data []byte) (string, error) {
	xf, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer xf.Close()

	var sb strings.Builder
	for _, sheet := range xf.GetSheetList() {
		rows, err := xf.GetRows(sheet)
		if err != nil {
			continue
		}
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// docxToText unzips the document and pulls paragraph text out of
// word/document.xml.
func docxToText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return docxXMLText(rc), nil
	}
	return "", fmt.Errorf("word/document.xml not found in docx")
}

func docxXMLText(r io.Reader) string {
	var sb strings.Builder
	decoder := xml.NewDecoder(r)
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "t":
			var content struct {
				Text string `xml:",chardata"`
			}
			if err := decoder.DecodeElement(&content, &se); err == nil {
				sb.WriteString(content.Text)
			}
		case "p":
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

// skipTags are HTML elements whose text content is excluded.
var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"svg":      true,
}

// htmlToText walks an HTML token stream and returns (title, bodyText).
// Parse errors end the walk; whatever was collected is returned.
func htmlToText(r io.Reader) (string, string, error) {
	tokenizer := html.NewTokenizer(r)
	var (
		title       strings.Builder
		text        strings.Builder
		inTitle     bool
		skipDepth   int
		lastWasText bool
	)

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(title.String()), strings.TrimSpace(text.String()), nil

		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			tag := string(tn)
			if tag == "title" {
				inTitle = true
			}
			if skipTags[tag] {
				skipDepth++
			}
			if isBlockTag(tag) && lastWasText {
				text.WriteString("\n")
				lastWasText = false
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			tag := string(tn)
			if tag == "title" {
				inTitle = false
			}
			if skipTags[tag] && skipDepth > 0 {
				skipDepth--
			}

		case html.TextToken:
			content := strings.TrimSpace(string(tokenizer.Text()))
			if content == "" {
				continue
			}
			if inTitle {
				title.WriteString(content)
			}
			if skipDepth == 0 {
				if lastWasText {
					text.WriteString(" ")
				}
				text.WriteString(content)
				lastWasText = true
			}
		}
	}
}

func isBlockTag(tag string) bool {
	switch tag {
	case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "br", "hr", "blockquote", "pre", "article",
		"section", "header", "footer", "nav", "main", "tr":
		return true
	}
	return false
}
