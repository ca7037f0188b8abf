package attachments

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func savedRef(t *testing.T, m *Manager, filename string, content []byte, userID string) Ref {
	t.Helper()
	meta, err := m.Save(filename, content, userID)
	require.NoError(t, err)
	return Ref{ID: meta.ID, Filename: meta.Filename, FileType: meta.FileType}
}

func TestExtractText_JoinsDocumentSections(t *testing.T) {
	m := NewManager(t.TempDir())
	first := savedRef(t, m, "alpha.txt", []byte("first document"), "")
	second := savedRef(t, m, "beta.md", []byte("# second"), "")

	text, err := m.ExtractText([]Ref{first, second}, "")
	require.NoError(t, err)

	assert.Equal(t, "## alpha.txt\n\nfirst document\n\n---\n\n## beta.md\n\n# second", text)
}

func TestExtractText_Latin1Fallback(t *testing.T) {
	m := NewManager(t.TempDir())
	ref := savedRef(t, m, "cafe.txt", []byte{'c', 'a', 'f', 0xE9}, "")

	text, err := m.ExtractText([]Ref{ref}, "")
	require.NoError(t, err)
	assert.Contains(t, text, "café")
}

func TestExtractText_SkipsMissingAndImages(t *testing.T) {
	m := NewManager(t.TempDir())
	present := savedRef(t, m, "present.txt", []byte("here"), "")
	image := savedRef(t, m, "photo.png", []byte{0x89, 'P', 'N', 'G'}, "")
	missing := Ref{ID: "deadbeefdeadbeef", Filename: "gone.txt", FileType: TypeText}

	text, err := m.ExtractText([]Ref{missing, image, present}, "")
	require.NoError(t, err)
	assert.Equal(t, "## present.txt\n\nhere", text)
}

func TestExtractText_TypeFallsBackToExtension(t *testing.T) {
	m := NewManager(t.TempDir())
	ref := savedRef(t, m, "typed.txt", []byte("typed"), "")
	ref.FileType = ""

	text, err := m.ExtractText([]Ref{ref}, "")
	require.NoError(t, err)
	assert.Contains(t, text, "typed")
}

func TestExtractText_Spreadsheet(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Name"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Total"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Widgets"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 42))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	m := NewManager(t.TempDir())
	ref := savedRef(t, m, "figures.xlsx", buf.Bytes(), "")

	text, err := m.ExtractText([]Ref{ref}, "")
	require.NoError(t, err)
	assert.Contains(t, text, "## figures.xlsx")
	assert.Contains(t, text, "--- Sheet: Sheet1 ---")
	assert.Contains(t, text, "Name\tTotal")
	assert.Contains(t, text, "Widgets\t42")
}

func TestExtractText_CorruptDocumentsKeepMarker(t *testing.T) {
	m := NewManager(t.TempDir())
	pdf := savedRef(t, m, "broken.pdf", []byte("not a pdf"), "")
	doc := savedRef(t, m, "broken.docx", []byte("not a docx"), "")

	text, err := m.ExtractText([]Ref{pdf, doc}, "")
	require.NoError(t, err)
	assert.Contains(t, text, "## broken.pdf\n\n"+pdfExtractionFailed)
	assert.Contains(t, text, "## broken.docx\n\n"+documentExtractionFailed)
}

func TestDocxPlainText(t *testing.T) {
	content := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">` +
		`<w:body>` +
		`<w:p><w:r><w:rPr><w:b/></w:rPr><w:t>First paragraph.</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t xml:space="preserve">Second </w:t></w:r><w:r><w:t>paragraph.</w:t></w:r></w:p>` +
		`</w:body></w:document>`

	got := docxPlainText(content)
	assert.Equal(t, "First paragraph.\nSecond paragraph.", got)
}

func TestDecodeText_UTF8Passthrough(t *testing.T) {
	content := []byte("plain utf-8 — naïve ✓")
	assert.Equal(t, string(content), decodeText(content))
}

func TestExtractText_EmptyRefs(t *testing.T) {
	m := NewManager(t.TempDir())
	text, err := m.ExtractText(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "", text)

	long := strings.Repeat("line\n", 10)
	ref := savedRef(t, m, "long.txt", []byte(long), "")
	text, err = m.ExtractText([]Ref{ref}, "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(text, long))
}
