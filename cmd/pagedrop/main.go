package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pagedrop/internal/client"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	serverURL string
	username  string
	password  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pagedrop",
		Short: "pagedrop - publish static sites",
		Long: `pagedrop publishes static sites to a pagedrop server.

QUICK START:

  # Create an account (new accounts get a few free uploads):
  pagedrop register --user alice --password s3cret

  # Deploy a directory, a zip, or a single HTML page:
  export PAGEDROP_USER=alice PAGEDROP_PASSWORD=s3cret
  pagedrop deploy ./public --site blog

  # Out of uploads? Redeem a code from an admin:
  pagedrop redeem ABCD1234

Credentials and server may also be set with PAGEDROP_URL, PAGEDROP_USER
and PAGEDROP_PASSWORD.

For more help on any command, use: pagedrop <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("PAGEDROP_URL", "http://localhost:8080"), "server URL")
	rootCmd.PersistentFlags().StringVarP(&username, "user", "u", os.Getenv("PAGEDROP_USER"), "account name")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", os.Getenv("PAGEDROP_PASSWORD"), "account password")

	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newDeployCmd())
	rootCmd.AddCommand(newRedeemCmd())
	rootCmd.AddCommand(newSitesCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newAdminCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("pagedrop", version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// normalizeServerURL adds a scheme to bare host names and drops trailing slashes.
func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("server URL is required (--server or PAGEDROP_URL)")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL has no host")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// newClient builds a client from the global flags. requireAuth demands
// credentials up front instead of letting the server reject the request.
func newClient(requireAuth bool) (*client.Client, error) {
	base, err := normalizeServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	if requireAuth && (username == "" || password == "") {
		return nil, fmt.Errorf("credentials required (--user/--password or PAGEDROP_USER/PAGEDROP_PASSWORD)")
	}
	return client.New(base, username, password), nil
}
