package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Long: `Create an account with the name and password given by --user and --password.

Examples:
  pagedrop register --user alice --password s3cret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(true)
			if err != nil {
				return err
			}
			acct, err := c.Register(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s with %d uploads\n", acct.Username, acct.Quota)
			return nil
		},
	}
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check credentials and show remaining uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(true)
			if err != nil {
				return err
			}
			acct, err := c.Login(cmd.Context())
			if err != nil {
				return err
			}
			role := "user"
			if acct.IsAdmin {
				role = "admin"
			}
			fmt.Printf("Logged in as %s (%s), %d uploads remaining\n", acct.Username, role, acct.Quota)
			return nil
		},
	}
}

func newRedeemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redeem <code>",
		Short: "Redeem a code for more uploads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(true)
			if err != nil {
				return err
			}
			res, err := c.Redeem(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Added %d uploads, %d remaining\n", res.Slots, res.Quota)
			return nil
		},
	}
}
