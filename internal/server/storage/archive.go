package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
)

// dangerousExtensions are file extensions that are blocked inside uploaded ZIPs.
var dangerousExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true,
	".scr": true, ".pif": true, ".vbs": true, ".vbe": true,
	".wsf": true, ".wsh": true, ".msi": true, ".hta": true,
	".lnk": true, ".cpl": true, ".inf": true, ".reg": true,
}

// Limits bound what a single archive may expand to.
type Limits struct {
	MaxExtractedSize int64
	MaxEntries       int
}

// extractZip unpacks the archive into dest, which must already exist.
// Every rejection is reported as ErrBadArchive; anything else is an IO fault.
func extractZip(ctx context.Context, r io.ReaderAt, size int64, dest string, limits Limits) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArchive, err)
	}

	if limits.MaxEntries > 0 && len(zr.File) > limits.MaxEntries {
		return fmt.Errorf("%w: %d entries exceeds limit of %d", ErrBadArchive, len(zr.File), limits.MaxEntries)
	}

	var written int64
	files := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := strings.ReplaceAll(f.Name, "\\", "/")
		if skipEntry(name) {
			continue
		}

		rel, err := entryPath(name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))

		mode := f.Mode()
		if mode&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink entry %s", ErrBadArchive, f.Name)
		}
		if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
			if err := os.MkdirAll(target, 0755); err != nil {
				return entryError(f.Name, "failed to create directory", err)
			}
			continue
		}
		if !mode.IsRegular() {
			return fmt.Errorf("%w: unsupported entry type for %s", ErrBadArchive, f.Name)
		}

		ext := strings.ToLower(path.Ext(rel))
		if dangerousExtensions[ext] {
			return fmt.Errorf("%w: blocked extension %s in %s", ErrBadArchive, ext, f.Name)
		}

		remaining := int64(-1)
		if limits.MaxExtractedSize > 0 {
			remaining = limits.MaxExtractedSize - written
		}
		n, err := writeEntry(f, target, remaining)
		if err != nil {
			return err
		}
		written += n
		files++
	}

	if files == 0 {
		return fmt.Errorf("%w: archive contains no files", ErrBadArchive)
	}
	return nil
}

// skipEntry drops archiver metadata that is never part of a site.
func skipEntry(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") {
		return true
	}
	return path.Base(name) == ".DS_Store"
}

// entryPath validates an archive entry name and returns it as a clean
// slash-separated relative path. "" means the entry is the archive root.
func entryPath(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: invalid entry name", ErrBadArchive)
	}
	if strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" || (len(name) > 1 && name[1] == ':') {
		return "", fmt.Errorf("%w: absolute entry path %s", ErrBadArchive, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: entry escapes archive root: %s", ErrBadArchive, name)
		}
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// writeEntry copies one file out of the archive. remaining < 0 means no
// size limit; the declared size is not trusted, the bytes are counted.
func writeEntry(f *zip.File, target string, remaining int64) (int64, error) {
	if remaining >= 0 && int64(f.UncompressedSize64) > remaining {
		return 0, fmt.Errorf("%w: extracted size exceeds limit", ErrBadArchive)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrBadArchive, f.Name, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, entryError(f.Name, "failed to create directory for", err)
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, entryError(f.Name, "failed to create", err)
	}
	defer out.Close()

	var src io.Reader = rc
	if remaining >= 0 {
		src = io.LimitReader(rc, remaining+1)
	}

	n, err := io.Copy(out, src)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return 0, fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
		// Decompression and checksum failures come from the reader side.
		return 0, fmt.Errorf("%w: %s: %v", ErrBadArchive, f.Name, err)
	}
	if remaining >= 0 && n > remaining {
		return 0, fmt.Errorf("%w: extracted size exceeds limit", ErrBadArchive)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", f.Name, err)
	}
	return n, nil
}

// entryError classifies a filesystem error hit while writing an entry. Two
// entries fighting over one path (file "a" and "a/b") are the archive's
// fault; anything else is an IO failure.
func entryError(name, op string, err error) error {
	if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EISDIR) || errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: conflicting entry %s", ErrBadArchive, name)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

// flattenSingleDir lifts the contents of dir/<only-child>/ into dir when the
// only entry is a directory. It peels exactly one level.
func flattenSingleDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read staging directory: %w", err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	// Move the wrapper aside first so a child sharing its name can land in dir.
	wrapper := filepath.Join(dir, ".flatten-"+uuid.NewString())
	if err := os.Rename(filepath.Join(dir, entries[0].Name()), wrapper); err != nil {
		return fmt.Errorf("failed to flatten %s: %w", entries[0].Name(), err)
	}

	children, err := os.ReadDir(wrapper)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", entries[0].Name(), err)
	}
	for _, child := range children {
		if err := os.Rename(filepath.Join(wrapper, child.Name()), filepath.Join(dir, child.Name())); err != nil {
			return fmt.Errorf("failed to flatten %s: %w", child.Name(), err)
		}
	}
	return os.Remove(wrapper)
}

// describeTree counts regular files and bytes under dir, lists the top-level
// files and picks the entry document.
func describeTree(dir string) (fileCount int, size int64, topFiles []string, entry string, err error) {
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fileCount++
		size += info.Size()
		if filepath.Dir(p) == dir {
			topFiles = append(topFiles, d.Name())
		}
		return nil
	})
	if err != nil {
		return 0, 0, nil, "", fmt.Errorf("failed to scan site tree: %w", err)
	}

	sort.Strings(topFiles)
	entry = pickEntry(topFiles)
	return fileCount, size, topFiles, entry, nil
}

// pickEntry prefers index.html, then the first top-level HTML document.
func pickEntry(topFiles []string) string {
	for _, name := range topFiles {
		if name == IndexDocument {
			return name
		}
	}
	for _, name := range topFiles {
		ext := strings.ToLower(path.Ext(name))
		if ext == ".html" || ext == ".htm" {
			return name
		}
	}
	return ""
}
