package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
)

// --- Helpers ---

type zipEntry struct {
	name    string
	content string
}

func createTestZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		f, err := w.Create(e.name)
		if err != nil {
			t.Fatalf("failed to create zip entry %s: %v", e.name, err)
		}
		if _, err := f.Write([]byte(e.content)); err != nil {
			t.Fatalf("failed to write zip entry %s: %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close zip writer: %v", err)
	}
	return buf.Bytes()
}

func zipContent(data []byte) Content {
	return Content{Kind: KindZip, Data: bytes.NewReader(data), Size: int64(len(data))}
}

func newTestStore(t *testing.T) (*ArtifactStore, string) {
	t.Helper()
	dir := t.TempDir()
	store := NewArtifactStore(dir, Limits{MaxExtractedSize: 1 << 20, MaxEntries: 100})
	if err := store.EnsureDir(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return store, dir
}

func readResolved(t *testing.T, store *ArtifactStore, owner, site, rel string) string {
	t.Helper()
	f, _, err := store.Resolve(owner, site, rel)
	if err != nil {
		t.Fatalf("resolve %s/%s/%s: %v", owner, site, rel, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("failed to read resolved file: %v", err)
	}
	return string(data)
}

func assertStagingEmpty(t *testing.T, base string) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(base, stagingDirName))
	if err != nil {
		t.Fatalf("failed to read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty staging dir, found %d entries", len(entries))
	}
}

// --- Tests ---

func TestArtifactStore_Replace(t *testing.T) {
	t.Run("extracts zip and serves index", func(t *testing.T) {
		store, base := newTestStore(t)

		data := createTestZip(t,
			zipEntry{"index.html", "<h1>hi</h1>"},
			zipEntry{"css/site.css", "body{}"},
		)
		artifact, err := store.Replace(context.Background(), "bob", "blog", zipContent(data))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if artifact.Entry != "index.html" {
			t.Errorf("expected entry index.html, got %q", artifact.Entry)
		}
		if artifact.FileCount != 2 {
			t.Errorf("expected 2 files, got %d", artifact.FileCount)
		}
		if got := readResolved(t, store, "bob", "blog", "index.html"); got != "<h1>hi</h1>" {
			t.Errorf("unexpected index content %q", got)
		}
		if got := readResolved(t, store, "bob", "blog", "css/site.css"); got != "body{}" {
			t.Errorf("unexpected css content %q", got)
		}
		assertStagingEmpty(t, base)
	})

	t.Run("flattens a single wrapping directory once", func(t *testing.T) {
		store, _ := newTestStore(t)

		data := createTestZip(t,
			zipEntry{"export/index.html", "root"},
			zipEntry{"export/inner/page.html", "page"},
		)
		artifact, err := store.Replace(context.Background(), "bob", "site", zipContent(data))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if artifact.Entry != "index.html" {
			t.Errorf("expected flattened entry, got %q", artifact.Entry)
		}
		if got := readResolved(t, store, "bob", "site", "inner/page.html"); got != "page" {
			t.Errorf("unexpected page content %q", got)
		}
	})

	t.Run("does not flatten recursively", func(t *testing.T) {
		store, _ := newTestStore(t)

		data := createTestZip(t, zipEntry{"a/b/index.html", "deep"})
		artifact, err := store.Replace(context.Background(), "bob", "site", zipContent(data))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if artifact.Entry != "" {
			t.Errorf("expected no top-level entry, got %q", artifact.Entry)
		}
		if got := readResolved(t, store, "bob", "site", "b/index.html"); got != "deep" {
			t.Errorf("unexpected content %q", got)
		}
	})

	t.Run("flattens wrapper containing a same-named child", func(t *testing.T) {
		store, _ := newTestStore(t)

		data := createTestZip(t, zipEntry{"site/site/index.html", "x"})
		if _, err := store.Replace(context.Background(), "bob", "s", zipContent(data)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := readResolved(t, store, "bob", "s", "site/index.html"); got != "x" {
			t.Errorf("unexpected content %q", got)
		}
	})

	t.Run("skips macOS metadata", func(t *testing.T) {
		store, _ := newTestStore(t)

		data := createTestZip(t,
			zipEntry{"__MACOSX/._index.html", "junk"},
			zipEntry{"index.html", "ok"},
		)
		artifact, err := store.Replace(context.Background(), "bob", "mac", zipContent(data))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if artifact.FileCount != 1 {
			t.Errorf("expected metadata to be skipped, got %d files", artifact.FileCount)
		}
	})

	t.Run("stores html document as index", func(t *testing.T) {
		store, _ := newTestStore(t)

		doc := []byte("<!doctype html><p>single</p>")
		artifact, err := store.Replace(context.Background(), "bob", "one", Content{
			Kind: KindHTML, Data: bytes.NewReader(doc), Size: int64(len(doc)),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if artifact.Entry != IndexDocument || artifact.FileCount != 1 {
			t.Errorf("unexpected artifact %+v", artifact)
		}
		if got := readResolved(t, store, "bob", "one", ""); got != string(doc) {
			t.Errorf("unexpected content %q", got)
		}
	})

	t.Run("replaces prior content completely", func(t *testing.T) {
		store, base := newTestStore(t)

		first := createTestZip(t, zipEntry{"index.html", "v1"}, zipEntry{"old.txt", "gone"})
		second := createTestZip(t, zipEntry{"index.html", "v2"})

		if _, err := store.Replace(context.Background(), "bob", "blog", zipContent(first)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := store.Replace(context.Background(), "bob", "blog", zipContent(second)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := readResolved(t, store, "bob", "blog", "index.html"); got != "v2" {
			t.Errorf("expected v2, got %q", got)
		}
		if _, _, err := store.Resolve("bob", "blog", "old.txt"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected old file to be gone, got %v", err)
		}
		assertStagingEmpty(t, base)
	})

	t.Run("corrupt archive leaves prior site intact", func(t *testing.T) {
		store, base := newTestStore(t)

		good := createTestZip(t, zipEntry{"index.html", "v1"})
		if _, err := store.Replace(context.Background(), "bob", "blog", zipContent(good)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		_, err := store.Replace(context.Background(), "bob", "blog", zipContent([]byte("PK\x03\x04 definitely not a zip")))
		if !errors.Is(err, ErrBadArchive) {
			t.Fatalf("expected ErrBadArchive, got %v", err)
		}

		if got := readResolved(t, store, "bob", "blog", "index.html"); got != "v1" {
			t.Errorf("expected prior content, got %q", got)
		}
		assertStagingEmpty(t, base)
	})

	t.Run("rejects invalid names", func(t *testing.T) {
		store, _ := newTestStore(t)

		data := createTestZip(t, zipEntry{"index.html", "x"})
		for _, name := range []string{"..", ".hidden", "a/b", ""} {
			if _, err := store.Replace(context.Background(), "bob", name, zipContent(data)); !errors.Is(err, ErrInvalidName) {
				t.Errorf("site %q: expected ErrInvalidName, got %v", name, err)
			}
		}
	})

	t.Run("cancelled context stages nothing", func(t *testing.T) {
		store, base := newTestStore(t)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		data := createTestZip(t, zipEntry{"index.html", "x"})
		if _, err := store.Replace(ctx, "bob", "blog", zipContent(data)); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if store.Exists("bob", "blog") {
			t.Error("expected no site after cancelled upload")
		}
		assertStagingEmpty(t, base)
	})
}

func TestStaged_Rollback(t *testing.T) {
	t.Run("restores prior tree after swap", func(t *testing.T) {
		store, base := newTestStore(t)
		ctx := context.Background()

		if _, err := store.Replace(ctx, "bob", "blog", zipContent(createTestZip(t, zipEntry{"index.html", "v1"}))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		staged, err := store.Stage(ctx, "bob", "blog", zipContent(createTestZip(t, zipEntry{"index.html", "v2"})))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := staged.Swap(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := staged.Rollback(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := readResolved(t, store, "bob", "blog", "index.html"); got != "v1" {
			t.Errorf("expected v1 after rollback, got %q", got)
		}
		assertStagingEmpty(t, base)
	})

	t.Run("removes a first-time site", func(t *testing.T) {
		store, base := newTestStore(t)
		ctx := context.Background()

		staged, err := store.Stage(ctx, "bob", "new", zipContent(createTestZip(t, zipEntry{"index.html", "v1"})))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := staged.Swap(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !store.Exists("bob", "new") {
			t.Fatal("expected site to be visible after swap")
		}
		if err := staged.Rollback(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if store.Exists("bob", "new") {
			t.Error("expected site to be gone after rollback")
		}
		assertStagingEmpty(t, base)
	})

	t.Run("before swap only discards staging", func(t *testing.T) {
		store, base := newTestStore(t)

		staged, err := store.Stage(context.Background(), "bob", "x", zipContent(createTestZip(t, zipEntry{"index.html", "v1"})))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := staged.Rollback(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if store.Exists("bob", "x") {
			t.Error("expected no site")
		}
		assertStagingEmpty(t, base)
	})
}

func TestArtifactStore_Resolve(t *testing.T) {
	store, base := newTestStore(t)
	data := createTestZip(t,
		zipEntry{"index.html", "home"},
		zipEntry{"docs/index.html", "docs"},
	)
	if _, err := store.Replace(context.Background(), "alice", "site1", zipContent(data)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	secret := filepath.Join(base, "alice", "secret.txt")
	if err := os.WriteFile(secret, []byte("outside"), 0644); err != nil {
		t.Fatalf("failed to write secret: %v", err)
	}
	if err := os.Symlink(secret, filepath.Join(base, "alice", "site1", "link.txt")); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}

	t.Run("directory resolves to index", func(t *testing.T) {
		if got := readResolved(t, store, "alice", "site1", "docs"); got != "docs" {
			t.Errorf("unexpected content %q", got)
		}
		if got := readResolved(t, store, "alice", "site1", ""); got != "home" {
			t.Errorf("unexpected content %q", got)
		}
	})

	rejected := []string{
		"../../etc/passwd",
		"../secret.txt",
		"docs/../../secret.txt",
		"/etc/passwd",
		"link.txt",
		"missing.html",
		"docs\\..\\..\\secret.txt",
	}
	for _, rel := range rejected {
		t.Run("rejects "+rel, func(t *testing.T) {
			f, _, err := store.Resolve("alice", "site1", rel)
			if f != nil {
				f.Close()
			}
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound for %q, got %v", rel, err)
			}
		})
	}

	t.Run("rejects traversal in owner and site", func(t *testing.T) {
		if _, _, err := store.Resolve("..", "alice", "secret.txt"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, _, err := store.Resolve("alice", "..", "alice/secret.txt"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestArtifactStore_Delete(t *testing.T) {
	t.Run("removes the tree", func(t *testing.T) {
		store, base := newTestStore(t)
		if _, err := store.Replace(context.Background(), "bob", "blog", zipContent(createTestZip(t, zipEntry{"index.html", "x"}))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := store.Delete(context.Background(), "bob", "blog"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if store.Exists("bob", "blog") {
			t.Error("expected site to be deleted")
		}
		assertStagingEmpty(t, base)
	})

	t.Run("missing site is not found", func(t *testing.T) {
		store, _ := newTestStore(t)
		if err := store.Delete(context.Background(), "bob", "nope"); !errors.Is(err, ErrSiteNotFound) {
			t.Errorf("expected ErrSiteNotFound, got %v", err)
		}
	})
}

func TestArtifactStore_List(t *testing.T) {
	t.Run("lists sites with file counts", func(t *testing.T) {
		store, _ := newTestStore(t)
		ctx := context.Background()
		store.Replace(ctx, "bob", "b-site", zipContent(createTestZip(t, zipEntry{"index.html", "x"}, zipEntry{"a/b.txt", "y"})))
		store.Replace(ctx, "bob", "a-site", zipContent(createTestZip(t, zipEntry{"index.html", "x"})))
		store.Replace(ctx, "carol", "other", zipContent(createTestZip(t, zipEntry{"index.html", "x"})))

		sites, err := store.List("bob")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(sites) != 2 {
			t.Fatalf("expected 2 sites, got %d", len(sites))
		}
		if sites[0].Name != "a-site" || sites[0].FileCount != 1 {
			t.Errorf("unexpected first site %+v", sites[0])
		}
		if sites[1].Name != "b-site" || sites[1].FileCount != 2 {
			t.Errorf("unexpected second site %+v", sites[1])
		}
	})

	t.Run("unknown owner has no sites", func(t *testing.T) {
		store, _ := newTestStore(t)
		sites, err := store.List("nobody")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(sites) != 0 {
			t.Errorf("expected no sites, got %d", len(sites))
		}
	})
}

func TestArtifactStore_SweepStaging(t *testing.T) {
	store, base := newTestStore(t)

	stale := filepath.Join(base, stagingDirName, "stale")
	fresh := filepath.Join(base, stagingDirName, "fresh")
	os.MkdirAll(stale, 0755)
	os.MkdirAll(fresh, 0755)
	old := time.Now().Add(-48 * time.Hour)
	os.Chtimes(stale, old, old)

	removed, failed, err := store.SweepStaging(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 || failed != 0 {
		t.Errorf("expected 1 removed, 0 failed; got %d, %d", removed, failed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected stale entry to be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("expected fresh entry to survive")
	}
}

func TestArtifactStore_EnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "storage", "path")
	store := NewArtifactStore(dir, Limits{})

	if err := store.EnsureDir(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, stagingDirName))
	if err != nil {
		t.Fatalf("staging directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected a directory")
	}
}

func TestArtifactStore_Exists(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Replace(context.Background(), "bob", "blog", zipContent(createTestZip(t, zipEntry{"index.html", "x"}))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !store.Exists("bob", "blog") {
		t.Error("expected bob/blog to exist")
	}
	for _, c := range [][2]string{{"bob", "other"}, {"alice", "blog"}, {"..", "blog"}, {"bob", ".."}} {
		if store.Exists(c[0], c[1]) {
			t.Errorf("expected %s/%s not to exist", c[0], c[1])
		}
	}
}
