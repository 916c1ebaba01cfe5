package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"pagedrop/internal/bundle"

	"github.com/spf13/cobra"
)

func newDeployCmd() *cobra.Command {
	var site string

	cmd := &cobra.Command{
		Use:   "deploy <path>...",
		Short: "Publish files as a site",
		Long: `Publish files as a site. Deploying to an existing site replaces it.

A single directory becomes the site root. A single .html file is served as
index.html. A .zip file is uploaded as-is. Hidden files are skipped.

Examples:
  # Deploy a build directory
  pagedrop deploy ./dist --site blog

  # Deploy one page, site name taken from the file
  pagedrop deploy resume.html`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(true)
			if err != nil {
				return err
			}
			if site == "" {
				site = defaultSiteName(args[0])
			}

			b, err := bundle.Pack(args, site)
			if err != nil {
				return err
			}
			fmt.Printf("Packed %d files (%s) as %s\n", b.Files, humanizeBytes(b.Size), b.Kind)

			res, err := c.Upload(cmd.Context(), site, b.Filename, b.Data)
			if err != nil {
				return err
			}
			fmt.Printf("Deployed %s: %s\n", res.Site, res.URL)
			fmt.Printf("%d uploads remaining\n", res.Quota)
			return nil
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "site name (default: derived from the first path)")
	return cmd
}

// defaultSiteName uses the base name of path without its extension.
func defaultSiteName(path string) string {
	base := filepath.Base(filepath.Clean(path))
	if base == "." || base == string(filepath.Separator) {
		abs, err := filepath.Abs(path)
		if err == nil {
			base = filepath.Base(abs)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
