package storage

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extractTestZip(t *testing.T, data []byte, limits Limits) (string, error) {
	t.Helper()
	dest := t.TempDir()
	return dest, extractZip(context.Background(), bytes.NewReader(data), int64(len(data)), dest, limits)
}

func TestExtractZip(t *testing.T) {
	t.Run("writes nested files", func(t *testing.T) {
		data := createTestZip(t,
			zipEntry{"index.html", "<html></html>"},
			zipEntry{"img/", ""},
			zipEntry{"img/logo.svg", "<svg/>"},
		)
		dest, err := extractTestZip(t, data, Limits{})
		require.NoError(t, err)

		got, err := os.ReadFile(filepath.Join(dest, "img", "logo.svg"))
		require.NoError(t, err)
		assert.Equal(t, "<svg/>", string(got))
	})

	rejected := map[string][]zipEntry{
		"parent traversal":  {{"../evil.html", "x"}},
		"nested traversal":  {{"site/../../evil.html", "x"}},
		"absolute path":     {{"/etc/cron.d/evil", "x"}},
		"drive letter":      {{"C:/evil.html", "x"}},
		"backslash escape":  {{"..\\evil.html", "x"}},
		"blocked extension": {{"index.html", "ok"}, {"setup.EXE", "MZ"}},
		"only metadata":     {{"__MACOSX/._a", "x"}, {"docs/.DS_Store", "x"}},
		"only directories":  {{"empty/", ""}},
		"file then child":   {{"a", "x"}, {"a/b.html", "y"}},
		"file then dir":     {{"a", "x"}, {"a/", ""}},
		"child then file":   {{"a/b.html", "y"}, {"a", "x"}},
	}
	for name, entries := range rejected {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := extractTestZip(t, createTestZip(t, entries...), Limits{})
			assert.ErrorIs(t, err, ErrBadArchive)
		})
	}

	t.Run("rejects symlink entries", func(t *testing.T) {
		var buf bytes.Buffer
		w := zip.NewWriter(&buf)
		hdr := &zip.FileHeader{Name: "link", Method: zip.Store}
		hdr.SetMode(fs.ModeSymlink | 0777)
		f, err := w.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = f.Write([]byte("/etc/passwd"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		_, err = extractTestZip(t, buf.Bytes(), Limits{})
		assert.ErrorIs(t, err, ErrBadArchive)
	})

	t.Run("enforces extracted size", func(t *testing.T) {
		data := createTestZip(t,
			zipEntry{"a.txt", strings.Repeat("a", 600)},
			zipEntry{"b.txt", strings.Repeat("b", 600)},
		)
		_, err := extractTestZip(t, data, Limits{MaxExtractedSize: 1000})
		assert.ErrorIs(t, err, ErrBadArchive)

		_, err = extractTestZip(t, data, Limits{MaxExtractedSize: 1200})
		assert.NoError(t, err)
	})

	t.Run("enforces entry count", func(t *testing.T) {
		data := createTestZip(t,
			zipEntry{"a.txt", "a"},
			zipEntry{"b.txt", "b"},
			zipEntry{"c.txt", "c"},
		)
		_, err := extractTestZip(t, data, Limits{MaxEntries: 2})
		assert.ErrorIs(t, err, ErrBadArchive)
	})

	t.Run("rejects non-zip bytes", func(t *testing.T) {
		_, err := extractTestZip(t, []byte("hello world"), Limits{})
		assert.ErrorIs(t, err, ErrBadArchive)
	})
}

func TestFlattenSingleDir(t *testing.T) {
	t.Run("leaves multiple top-level entries alone", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), nil, 0644))

		require.NoError(t, flattenSingleDir(dir))
		assert.DirExists(t, filepath.Join(dir, "a"))
		assert.FileExists(t, filepath.Join(dir, "index.html"))
	})

	t.Run("leaves a single file alone", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "page.html"), nil, 0644))

		require.NoError(t, flattenSingleDir(dir))
		assert.FileExists(t, filepath.Join(dir, "page.html"))
	})

	t.Run("lifts wrapper contents", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "dist", "js"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dist", "index.html"), []byte("x"), 0644))

		require.NoError(t, flattenSingleDir(dir))
		assert.FileExists(t, filepath.Join(dir, "index.html"))
		assert.DirExists(t, filepath.Join(dir, "js"))
		assert.NoDirExists(t, filepath.Join(dir, "dist"))
	})
}

func TestPickEntry(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"index wins", []string{"about.html", "index.html"}, "index.html"},
		{"first html in order", []string{"about.html", "contact.htm"}, "about.html"},
		{"htm counts", []string{"readme.txt", "start.HTM"}, "start.HTM"},
		{"no html", []string{"readme.txt", "style.css"}, ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickEntry(tt.files))
		})
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"bob", "my-site", "v1.2_final", "A", strings.Repeat("a", 64)}
	invalid := []string{"", ".", "..", ".hidden", "-dash", "a/b", "a\\b", "sp ace", strings.Repeat("a", 65)}

	for _, name := range valid {
		assert.True(t, ValidName(name), "expected %q to be valid", name)
	}
	for _, name := range invalid {
		assert.False(t, ValidName(name), "expected %q to be invalid", name)
	}
}
