package loader

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"docqa/internal/util"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadPlainTextSanitizes(t *testing.T) {
	path := writeFile(t, "notes.TXT", []byte("first line\r\nsecond\x00 line\n\n\n\nend \xff"))
	text, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "first line\nsecond line\n\nend \uFFFD", text)
}

func TestLoadMarkdown(t *testing.T) {
	text, err := Load(writeFile(t, "readme.md", []byte("# Title\n\nBody text.")))
	require.NoError(t, err)
	require.Equal(t, "# Title\n\nBody text.", text)
}

func TestLoadEmptyFileHasNoText(t *testing.T) {
	_, err := Load(writeFile(t, "blank.txt", []byte(" \n\t\n")))
	require.ErrorIs(t, err, util.ErrNoExtractableText)
}

func TestLoadDocx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Quarterly</w:t></w:r><w:r><w:t xml:space="preserve"> report</w:t></w:r></w:p>
    <w:p><w:r><w:t>Revenue grew.</w:t></w:r></w:p>
    <w:p></w:p>
  </w:body>
</w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	text, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Quarterly report\nRevenue grew.", text)
}

func TestLoadRejectsUnsupportedTypes(t *testing.T) {
	_, err := Load(writeFile(t, "legacy.doc", []byte("binary")))
	require.ErrorIs(t, err, util.ErrUnsupportedFileType)
	_, err = Load(writeFile(t, "image.png", []byte("png")))
	require.ErrorIs(t, err, util.ErrUnsupportedFileType)
}

func TestLoadBrokenPDF(t *testing.T) {
	_, err := Load(writeFile(t, "broken.pdf", []byte("not a pdf")))
	require.Error(t, err)
}

func TestAllowed(t *testing.T) {
	for _, name := range []string{"a.txt", "b.PDF", "c.doc", "d.docx", "e.md"} {
		require.True(t, Allowed(name), name)
	}
	for _, name := range []string{"a.exe", "noext", "c.docx.zip"} {
		require.False(t, Allowed(name), name)
	}
}
