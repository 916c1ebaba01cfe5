package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"pagedrop/internal/client"

	"github.com/spf13/cobra"
)

func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Administer the server",
		Long: `Administer the server. Requires an admin account.

Examples:
  # Issue a code worth 5 uploads that 10 accounts may redeem
  pagedrop admin codes create --slots 5 --max 10

  # Issue a memorable code
  pagedrop admin codes create --slots 1 --code WELCOME

  # List codes and who redeemed them
  pagedrop admin codes list

  # Show totals
  pagedrop admin stats`,
	}

	codesCmd := &cobra.Command{
		Use:   "codes",
		Short: "Manage redeem codes",
	}

	var req client.CodeRequest
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a redeem code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(true)
			if err != nil {
				return err
			}
			code, err := c.GenerateCode(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d uploads, %d redemptions)\n", code.Code, code.Slots, code.MaxRedemptions)
			return nil
		},
	}
	createCmd.Flags().IntVar(&req.Slots, "slots", 1, "uploads granted per redemption")
	createCmd.Flags().IntVar(&req.MaxRedemptions, "max", 1, "number of accounts that may redeem")
	createCmd.Flags().StringVar(&req.Code, "code", "", "use this code instead of a random one")
	codesCmd.AddCommand(createCmd)

	codesCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List redeem codes",
		Args:    cobra.NoArgs,
		RunE:    runCodesList,
	})

	codesCmd.AddCommand(&cobra.Command{
		Use:   "revoke <code>",
		Short: "Delete a redeem code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(true)
			if err != nil {
				return err
			}
			if err := c.RevokeCode(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", args[0])
			return nil
		},
	})
	adminCmd.AddCommand(codesCmd)

	adminCmd.AddCommand(&cobra.Command{
		Use:   "users",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE:  runUsersList,
	})

	adminCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show server totals",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	})

	return adminCmd
}

func runCodesList(cmd *cobra.Command, args []string) error {
	c, err := newClient(true)
	if err != nil {
		return err
	}
	codes, err := c.ListCodes(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tSLOTS\tREMAINING\tISSUED BY\tREDEEMED BY")
	for _, code := range codes {
		redeemed := strings.Join(code.RedeemedBy, ",")
		if redeemed == "" {
			redeemed = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d/%d\t%s\t%s\n",
			code.Code, code.Slots, code.RemainingRedemptions, code.MaxRedemptions, code.IssuedBy, redeemed)
	}
	return w.Flush()
}

func runUsersList(cmd *cobra.Command, args []string) error {
	c, err := newClient(true)
	if err != nil {
		return err
	}
	users, err := c.ListUsers(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "USER\tQUOTA\tADMIN\tCREATED")
	for _, u := range users {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", u.Username, u.Quota, u.IsAdmin, u.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := newClient(true)
	if err != nil {
		return err
	}
	s, err := c.Stats(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Accounts:\t%d\n", s.Accounts)
	_, _ = fmt.Fprintf(w, "Sites:\t%d\n", s.Sites)
	_, _ = fmt.Fprintf(w, "Codes:\t%d\n", s.Codes)
	_, _ = fmt.Fprintf(w, "Redemptions:\t%d\n", s.Redemptions)
	_, _ = fmt.Fprintf(w, "Uploads outstanding:\t%d\n", s.QuotaOutstanding)
	_, _ = fmt.Fprintf(w, "Storage used:\t%s\n", s.StorageUsedHuman)
	return w.Flush()
}
