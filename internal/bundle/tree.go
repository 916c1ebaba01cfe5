package bundle

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Node is a file or directory in a site tree.
type Node interface {
	Path() string
	Name() string
}

// File is a regular file. rel is its slash-separated path inside the site.
type File struct {
	path string
	name string
	rel  string
	size int64
}

// Dir is a directory and its non-hidden children.
type Dir struct {
	path     string
	name     string
	children []Node
}

func (f *File) Path() string { return f.path }
func (f *File) Name() string { return f.name }
func (f *File) Rel() string  { return f.rel }
func (f *File) Size() int64  { return f.size }

func (d *Dir) Path() string     { return d.path }
func (d *Dir) Name() string     { return d.name }
func (d *Dir) Children() []Node { return d.children }

// Tree is the set of files that make up one site. A single directory
// argument becomes the site root; several arguments sit side by side at the
// top level.
type Tree struct {
	Root *Dir
}

// BuildTree walks the parsed paths. Hidden entries (".git", ".DS_Store")
// are left out.
func BuildTree(paths []ParsedPath) (*Tree, error) {
	root := &Dir{name: ""}

	if len(paths) == 1 && paths[0].Kind == PathDir {
		root.path = paths[0].FullPath
		children, err := readDir(paths[0].FullPath, "")
		if err != nil {
			return nil, err
		}
		root.children = children
	} else {
		names := make(map[string]string, len(paths))
		for _, p := range paths {
			name := filepath.Base(p.FullPath)
			if prev, ok := names[name]; ok {
				return nil, fmt.Errorf("%s and %s would both be stored as %s", prev, p.FullPath, name)
			}
			names[name] = p.FullPath

			node, err := buildNode(p.FullPath, name, p.Kind == PathDir, "")
			if err != nil {
				return nil, err
			}
			root.children = append(root.children, node)
		}
	}

	t := &Tree{Root: root}
	if len(t.Files()) == 0 {
		return nil, fmt.Errorf("no files to deploy")
	}
	return t, nil
}

func buildNode(fullPath, name string, isDir bool, parentRel string) (Node, error) {
	rel := path.Join(parentRel, name)
	if !isDir {
		info, err := os.Stat(fullPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", fullPath, err)
		}
		return &File{path: fullPath, name: name, rel: rel, size: info.Size()}, nil
	}

	children, err := readDir(fullPath, rel)
	if err != nil {
		return nil, err
	}
	return &Dir{path: fullPath, name: name, children: children}, nil
}

func readDir(dirPath, rel string) ([]Node, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dirPath, err)
	}

	children := []Node{}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") || entry.Name() == "__MACOSX" {
			continue
		}
		childPath := filepath.Join(dirPath, entry.Name())

		info, err := os.Stat(childPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", childPath, err)
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			continue
		}

		child, err := buildNode(childPath, entry.Name(), info.IsDir(), rel)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// Files lists every file in the tree, depth first.
func (t *Tree) Files() []*File {
	var out []*File
	var walk func(n Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *File:
			out = append(out, v)
		case *Dir:
			for _, c := range v.children {
				walk(c)
			}
		}
	}
	walk(t.Root)
	return out
}

// UncompressedSize is the total size of all files.
func (t *Tree) UncompressedSize() int64 {
	var total int64
	for _, f := range t.Files() {
		total += f.size
	}
	return total
}
