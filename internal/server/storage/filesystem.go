package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pagedrop/storage")

var (
	ErrBadArchive   = errors.New("invalid or disallowed site archive")
	ErrSiteNotFound = errors.New("site not found")
	ErrNotFound     = errors.New("file not found")
	ErrInvalidName  = errors.New("invalid owner or site name")
)

// IndexDocument is the conventional entry point of a site.
const IndexDocument = "index.html"

// stagingDirName holds in-progress uploads and displaced trees. It sits
// inside the storage root so every swap is a same-filesystem rename, and its
// leading dot keeps it out of the owner namespace.
const stagingDirName = ".staging"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidName reports whether s is usable as an owner or site path component.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// ContentKind says how an upload payload is interpreted.
type ContentKind string

const (
	KindZip  ContentKind = "zip"
	KindHTML ContentKind = "html"
)

// Content is an upload payload. Data must support random access because
// zip archives are read from their central directory.
type Content struct {
	Kind ContentKind
	Data io.ReaderAt
	Size int64
}

// Artifact describes a site tree as stored.
type Artifact struct {
	Owner     string   `json:"owner"`
	Site      string   `json:"site"`
	Entry     string   `json:"entry"`
	FileCount int      `json:"file_count"`
	SizeBytes int64    `json:"size_bytes"`
	Files     []string `json:"files"`
}

// SiteSummary is one row of an owner's site listing.
type SiteSummary struct {
	Name      string   `json:"site_name"`
	FileCount int      `json:"file_count"`
	Files     []string `json:"files"`
}

// ArtifactStore keeps site trees at {basePath}/{owner}/{site}.
//
// Replacement is build-then-swap: content is extracted into a private staging
// directory and exchanged with the live tree in one rename, so readers see
// either the old tree or the new one.
type ArtifactStore struct {
	basePath string
	limits   Limits
	locks    *KeyedLocker
}

// NewArtifactStore creates a new filesystem artifact store.
func NewArtifactStore(basePath string, limits Limits) *ArtifactStore {
	return &ArtifactStore{
		basePath: basePath,
		limits:   limits,
		locks:    NewKeyedLocker(),
	}
}

// EnsureDir creates the storage and staging directories if they don't exist.
func (s *ArtifactStore) EnsureDir() error {
	if err := os.MkdirAll(s.stagingRoot(), 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", s.basePath, err)
	}
	return nil
}

// Staged is an extracted tree waiting to be swapped in. Exactly one of
// Commit or Rollback must be called once Stage has succeeded.
type Staged struct {
	store    *ArtifactStore
	owner    string
	site     string
	dir      string
	artifact *Artifact

	unlock   func()
	swapped  bool
	hadPrior bool
	done     bool
}

// Artifact describes the staged tree.
func (st *Staged) Artifact() *Artifact {
	return st.artifact
}

// Stage extracts content into a fresh staging directory. Nothing visible
// changes; on error the staging directory is already gone.
func (s *ArtifactStore) Stage(ctx context.Context, owner, site string, content Content) (*Staged, error) {
	ctx, span := tracer.Start(ctx, "storage.stage",
		trace.WithAttributes(
			attribute.String("owner", owner),
			attribute.String("site", site),
			attribute.String("kind", string(content.Kind)),
			attribute.Int64("size_bytes", content.Size),
		),
	)
	defer span.End()

	if !ValidName(owner) || !ValidName(site) {
		return nil, ErrInvalidName
	}

	dir := filepath.Join(s.stagingRoot(), uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	artifact, err := s.fill(ctx, dir, owner, site, content)
	if err != nil {
		span.RecordError(err)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Error("failed to discard staging directory", "dir", dir, "error", rmErr)
		}
		return nil, err
	}

	span.SetAttributes(attribute.Int("file_count", artifact.FileCount))
	return &Staged{store: s, owner: owner, site: site, dir: dir, artifact: artifact}, nil
}

func (s *ArtifactStore) fill(ctx context.Context, dir, owner, site string, content Content) (*Artifact, error) {
	switch content.Kind {
	case KindZip:
		if err := extractZip(ctx, content.Data, content.Size, dir, s.limits); err != nil {
			return nil, err
		}
		if err := flattenSingleDir(dir); err != nil {
			return nil, err
		}
	case KindHTML:
		if s.limits.MaxExtractedSize > 0 && content.Size > s.limits.MaxExtractedSize {
			return nil, fmt.Errorf("%w: document exceeds size limit", ErrBadArchive)
		}
		if err := writeDocument(io.NewSectionReader(content.Data, 0, content.Size), filepath.Join(dir, IndexDocument)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported content kind %q", ErrBadArchive, content.Kind)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fileCount, size, files, entry, err := describeTree(dir)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Owner:     owner,
		Site:      site,
		Entry:     entry,
		FileCount: fileCount,
		SizeBytes: size,
		Files:     files,
	}, nil
}

func writeDocument(src io.Reader, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(target), err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(target), err)
	}
	return out.Close()
}

// Swap makes the staged tree live. The site stays locked until Commit or
// Rollback, so no other replacement or delete can interleave.
func (st *Staged) Swap(ctx context.Context) error {
	_, span := tracer.Start(ctx, "storage.swap",
		trace.WithAttributes(
			attribute.String("owner", st.owner),
			attribute.String("site", st.site),
		),
	)
	defer span.End()

	if st.done || st.swapped {
		return errors.New("staged site already swapped or finished")
	}

	s := st.store
	st.unlock = s.locks.Lock(siteKey(st.owner, st.site))

	target := s.sitePath(st.owner, st.site)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		st.releaseLock()
		span.RecordError(err)
		return fmt.Errorf("failed to create owner directory: %w", err)
	}

	_, err := os.Lstat(target)
	switch {
	case err == nil:
		if err := exchangeDirs(st.dir, target, s.stagingRoot()); err != nil {
			st.releaseLock()
			span.RecordError(err)
			return fmt.Errorf("failed to swap site directory: %w", err)
		}
		st.hadPrior = true
		// The displaced tree keeps its old mtime; refresh it so the sweeper
		// does not mistake it for an abandoned entry before Commit/Rollback.
		now := time.Now()
		if err := os.Chtimes(st.dir, now, now); err != nil {
			slog.Warn("failed to touch displaced site tree", "dir", st.dir, "error", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := os.Rename(st.dir, target); err != nil {
			st.releaseLock()
			span.RecordError(err)
			return fmt.Errorf("failed to publish site directory: %w", err)
		}
	default:
		st.releaseLock()
		span.RecordError(err)
		return fmt.Errorf("failed to stat site directory: %w", err)
	}

	st.swapped = true
	span.SetAttributes(attribute.Bool("replaced", st.hadPrior))
	return nil
}

// Commit keeps the new tree and throws away whatever it displaced.
func (st *Staged) Commit() {
	if st.done {
		return
	}
	st.done = true
	st.releaseLock()

	if !st.swapped || st.hadPrior {
		// st.dir now holds the displaced tree, or the never-swapped new one.
		st.discardDir()
	}
}

// Rollback restores the state from before Swap (or simply drops the staging
// directory if Swap never happened).
func (st *Staged) Rollback() error {
	if st.done {
		return nil
	}
	st.done = true
	defer st.releaseLock()

	if st.swapped {
		s := st.store
		target := s.sitePath(st.owner, st.site)
		var err error
		if st.hadPrior {
			err = exchangeDirs(st.dir, target, s.stagingRoot())
		} else {
			err = os.Rename(target, st.dir)
		}
		if err != nil {
			slog.Error("failed to roll back site swap",
				"owner", st.owner,
				"site", st.site,
				"error", err,
			)
			return fmt.Errorf("failed to roll back site swap: %w", err)
		}
	}

	st.discardDir()
	return nil
}

func (st *Staged) releaseLock() {
	if st.unlock != nil {
		st.unlock()
		st.unlock = nil
	}
}

func (st *Staged) discardDir() {
	if err := os.RemoveAll(st.dir); err != nil {
		// Left for the staging sweeper.
		slog.Error("failed to remove staging directory", "dir", st.dir, "error", err)
	}
}

// Replace stages content and swaps it in as one step.
func (s *ArtifactStore) Replace(ctx context.Context, owner, site string, content Content) (*Artifact, error) {
	staged, err := s.Stage(ctx, owner, site, content)
	if err != nil {
		return nil, err
	}
	if err := staged.Swap(ctx); err != nil {
		staged.Rollback()
		return nil, err
	}
	staged.Commit()
	return staged.Artifact(), nil
}

// Delete removes a site tree. The tree is first renamed into staging so it
// disappears atomically, then removed.
func (s *ArtifactStore) Delete(ctx context.Context, owner, site string) error {
	_, span := tracer.Start(ctx, "storage.delete",
		trace.WithAttributes(
			attribute.String("owner", owner),
			attribute.String("site", site),
		),
	)
	defer span.End()

	if !ValidName(owner) || !ValidName(site) {
		return ErrSiteNotFound
	}

	unlock := s.locks.Lock(siteKey(owner, site))
	target := s.sitePath(owner, site)
	if _, err := os.Lstat(target); err != nil {
		unlock()
		if errors.Is(err, fs.ErrNotExist) {
			return ErrSiteNotFound
		}
		return fmt.Errorf("failed to stat site directory: %w", err)
	}

	trash := filepath.Join(s.stagingRoot(), "deleted-"+uuid.NewString())
	err := os.Rename(target, trash)
	unlock()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete site directory: %w", err)
	}

	if err := os.RemoveAll(trash); err != nil {
		slog.Error("failed to remove deleted site tree", "dir", trash, "error", err)
	}
	return nil
}

// List returns the sites stored for owner, ordered by name.
func (s *ArtifactStore) List(owner string) ([]SiteSummary, error) {
	if !ValidName(owner) {
		return nil, ErrInvalidName
	}

	entries, err := os.ReadDir(filepath.Join(s.basePath, owner))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []SiteSummary{}, nil
		}
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}

	sites := make([]SiteSummary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		unlock := s.locks.RLock(siteKey(owner, e.Name()))
		count, _, files, _, err := describeTree(s.sitePath(owner, e.Name()))
		unlock()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		sites = append(sites, SiteSummary{Name: e.Name(), FileCount: count, Files: files})
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Name < sites[j].Name })
	return sites, nil
}

// Resolve opens a file inside a site. Paths that are absolute, contain ".."
// segments or resolve (through symlinks) outside the site root are reported
// as ErrNotFound. A directory resolves to its index document.
func (s *ArtifactStore) Resolve(owner, site, relPath string) (*os.File, fs.FileInfo, error) {
	if !ValidName(owner) || !ValidName(site) {
		return nil, nil, ErrNotFound
	}
	rel, ok := cleanRequestPath(relPath)
	if !ok {
		return nil, nil, ErrNotFound
	}

	unlock := s.locks.RLock(siteKey(owner, site))
	defer unlock()

	root, err := filepath.EvalSymlinks(s.sitePath(owner, site))
	if err != nil {
		return nil, nil, ErrNotFound
	}

	full, info, err := confine(root, filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		full, info, err = confine(root, filepath.Join(full, IndexDocument))
		if err != nil {
			return nil, nil, err
		}
	}
	if !info.Mode().IsRegular() {
		return nil, nil, ErrNotFound
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// cleanRequestPath rejects absolute and parent-relative request paths.
func cleanRequestPath(p string) (string, bool) {
	if strings.ContainsRune(p, 0) || strings.Contains(p, "\\") {
		return "", false
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	clean := filepath.Clean("/" + p)
	return strings.TrimPrefix(clean, "/"), true
}

// confine resolves symlinks in candidate and checks the result stays under root.
func confine(root, candidate string) (string, fs.FileInfo, error) {
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", nil, ErrNotFound
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", nil, ErrNotFound
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", nil, ErrNotFound
	}
	return resolved, info, nil
}

// Exists reports whether a live tree exists for the site.
func (s *ArtifactStore) Exists(owner, site string) bool {
	if !ValidName(owner) || !ValidName(site) {
		return false
	}
	info, err := os.Stat(s.sitePath(owner, site))
	return err == nil && info.IsDir()
}

func (s *ArtifactStore) sitePath(owner, site string) string {
	return filepath.Join(s.basePath, owner, site)
}

func (s *ArtifactStore) stagingRoot() string {
	return filepath.Join(s.basePath, stagingDirName)
}

func siteKey(owner, site string) string {
	return owner + "/" + site
}
