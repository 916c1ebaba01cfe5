// Package bundle packages local files into a site upload.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind matches the upload kinds the server accepts.
type Kind string

const (
	KindZip  Kind = "zip"
	KindHTML Kind = "html"
)

// Bundle is a ready-to-send upload body.
type Bundle struct {
	Filename string
	Kind     Kind
	Data     []byte
	Files    int
	Size     int64
}

// Pack turns command-line paths into an upload. A lone .html file is sent
// as-is, a lone .zip is passed through, anything else is zipped.
func Pack(args []string, site string) (*Bundle, error) {
	parsed, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}

	if len(parsed) == 1 && parsed[0].Kind == PathFile {
		p := parsed[0].FullPath
		switch strings.ToLower(filepath.Ext(p)) {
		case ".html", ".htm":
			return readWhole(p, KindHTML, filepath.Base(p))
		case ".zip":
			return readWhole(p, KindZip, filepath.Base(p))
		}
	}

	tree, err := BuildTree(parsed)
	if err != nil {
		return nil, err
	}
	data, err := tree.ToZipBytes()
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Filename: site + ".zip",
		Kind:     KindZip,
		Data:     data,
		Files:    len(tree.Files()),
		Size:     tree.UncompressedSize(),
	}, nil
}

func readWhole(path string, kind Kind, name string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &Bundle{
		Filename: name,
		Kind:     kind,
		Data:     data,
		Files:    1,
		Size:     int64(len(data)),
	}, nil
}
