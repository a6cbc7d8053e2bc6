package tools

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestExtractTextPlainPassthrough(t *testing.T) {
	out, err := ExtractText("notes.txt", []byte("just words"))
	if err != nil {
		t.Fatal(err)
	}
	if out != "just words" {
		t.Fatalf("out = %q", out)
	}
}

func TestExtractTextHTML(t *testing.T) {
	out, err := ExtractText("page.html", []byte(`<html><head><title>T</title></head><body><p>alpha</p><p>beta</p></body></html>`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "beta") {
		t.Fatalf("out = %q", out)
	}
}

func TestExtractTextXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	f.SetCellValue(sheet, "A1", "name")
	f.SetCellValue(sheet, "B1", "count")
	f.SetCellValue(sheet, "A2", "widgets")
	f.SetCellValue(sheet, "B2", 7)
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}
	f.Close()

	out, err := ExtractText("report.xlsx", buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "name\tcount") || !strings.Contains(out, "widgets\t7") {
		t.Fatalf("out = %q", out)
	}
}

func TestExtractTextDOCX(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	doc, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	doc.Write([]byte(`<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := ExtractText("memo.docx", buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "First paragraph.") || !strings.Contains(out, "Second paragraph.") {
		t.Fatalf("out = %q", out)
	}
}

func TestExtractTextDOCXMissingDocument(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	part, _ := zw.Create("unrelated.xml")
	part.Write([]byte("<x/>"))
	zw.Close()

	if _, err := ExtractText("memo.docx", buf.Bytes()); err == nil {
		t.Fatal("expected error for docx without document.xml")
	}
}

func TestExtractTextCorruptPDF(t *testing.T) {
	if _, err := ExtractText("broken.pdf", []byte("not a pdf")); err == nil {
		t.Fatal("expected error for corrupt pdf")
	}
}
