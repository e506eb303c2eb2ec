package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafeJoinStripsDirectories(t *testing.T) {
	require.Equal(t, filepath.Join("uploads", "passwd"), SafeJoin("uploads", "../../etc/passwd"))
}

func TestRemoveIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	removed, err := RemoveIfExists(path)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = RemoveIfExists(path)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "report.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"orphans": 3}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, 3, got["orphans"])
}

func TestSecureFilename(t *testing.T) {
	require.Equal(t, "report_2024.pdf", SecureFilename("report 2024.pdf"))
	require.Equal(t, "passwd", SecureFilename("../../etc/passwd"))
	require.Equal(t, "evil.txt", SecureFilename(`C:\temp\evil.txt`))
	require.Equal(t, "env", SecureFilename(".env"))
	require.Equal(t, "upload", SecureFilename("..."))
	require.Equal(t, "r_sum_.docx", SecureFilename("résumé.docx"))
}
