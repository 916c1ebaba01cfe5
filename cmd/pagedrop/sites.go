package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites [user]",
		Short: "List a user's sites",
		Long: `List the sites published by a user. Defaults to --user.

Examples:
  pagedrop sites
  pagedrop sites bob`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := username
			if len(args) == 1 {
				owner = args[0]
			}
			if owner == "" {
				return fmt.Errorf("no user given")
			}
			c, err := newClient(false)
			if err != nil {
				return err
			}
			sites, err := c.ListSites(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if len(sites) == 0 {
				fmt.Printf("%s has no sites\n", owner)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SITE\tFILES\tUPDATED\tURL")
			for _, s := range sites {
				updated := "-"
				if s.UpdatedAt != nil {
					updated = s.UpdatedAt.Local().Format("2006-01-02 15:04:05")
				}
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Name, s.FileCount, updated, s.URL)
			}
			return w.Flush()
		},
	}
}

func newDeleteCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "delete <site>",
		Short: "Delete a site",
		Long: `Delete one of your sites. Admins may delete another user's site with --owner.
Deleting a site does not return the upload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(true)
			if err != nil {
				return err
			}
			if owner == "" {
				owner = username
			}
			if err := c.DeleteSite(cmd.Context(), owner, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s/%s\n", owner, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "site owner (admins only)")
	return cmd
}
