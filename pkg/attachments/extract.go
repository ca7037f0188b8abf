// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package attachments

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

const (
	pdfExtractionFailed      = "[PDF text extraction failed]"
	documentExtractionFailed = "[Document text extraction failed]"

	// maxSheetRows caps how many rows of one spreadsheet sheet go into
	// the prompt.
	maxSheetRows = 200
)

// ExtractText reads the referenced attachments and renders their text
// as prompt sections, one "## <filename>" block per document, joined
// by rules. Images and missing attachments are skipped.
func (m *Manager) ExtractText(refs []Ref, userID string) (string, error) {
	var sections []string
	for _, ref := range refs {
		path, ok := m.Path(ref.ID, extOf(ref.Filename), userID)
		if !ok {
			slog.Warn("Attachment not found, skipping", "id", ref.ID, "filename", ref.Filename)
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read attachment %s: %w", ref.ID, err)
		}

		fileType := ref.FileType
		if fileType == "" {
			fileType = FileTypeFor(ref.Filename)
		}

		var text string
		switch fileType {
		case TypeText:
			text = decodeText(content)
		case TypePDF:
			text = extractPDF(content)
		case TypeDocx:
			text = extractDocx(content)
		case TypeXlsx:
			text = extractXlsx(content)
		default:
			continue
		}
		if text != "" {
			sections = append(sections, "## "+ref.Filename+"\n\n"+text)
		}
	}
	return strings.Join(sections, "\n\n---\n\n"), nil
}

// decodeText interprets bytes as UTF-8, falling back to Latin-1 so a
// legacy-encoded file still yields usable text.
func decodeText(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	runes := make([]rune, len(content))
	for i, b := range content {
		runes[i] = rune(b)
	}
	return string(runes)
}

// extractPDF renders each page's plain text. The parser panics on some
// malformed files, so the failure marker covers panics too.
func extractPDF(content []byte) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Failed to extract PDF text", "panic", r)
			text = pdfExtractionFailed
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		slog.Error("Failed to extract PDF text", "error", err)
		return pdfExtractionFailed
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("Failed to extract PDF page", "page", pageNum, "error", err)
			continue
		}
		if strings.TrimSpace(pageText) != "" {
			parts = append(parts, pageText)
		}
	}
	return strings.Join(parts, "\n\n")
}

func extractDocx(content []byte) string {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		slog.Error("Failed to extract Word document", "error", err)
		return documentExtractionFailed
	}
	defer doc.Close()
	return docxPlainText(doc.Editable().GetContent())
}

// docxPlainText strips WordprocessingML markup, keeping run text and
// paragraph breaks.
func docxPlainText(content string) string {
	decoder := xml.NewDecoder(strings.NewReader(content))
	var b strings.Builder
	inRun := false
	for {
		token, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inRun = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inRun = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inRun {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func extractXlsx(content []byte) string {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		slog.Error("Failed to extract spreadsheet", "error", err)
		return documentExtractionFailed
	}
	defer f.Close()

	var parts []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			slog.Warn("Failed to read sheet", "sheet", sheet, "error", err)
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "--- Sheet: %s ---", sheet)
		for i, row := range rows {
			if i >= maxSheetRows {
				b.WriteString("\n... (truncated)")
				break
			}
			b.WriteString("\n" + strings.Join(row, "\t"))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}
