package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/pocketbudget/budget-cli/config"
)

var errNotLoggedIn = errors.New("not logged in, run `budget-cli login` first")

var flagIdentityToken string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Exchange an identity-provider token for a backend session",
	Long: "Exchange an identity-provider token for a backend session.\n" +
		"The token comes from --identity-token or the IDENTITY_TOKEN environment variable.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error { return run(cmd, runLogin) },
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd, runLogout) },
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rotate the stored access and refresh tokens",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd, runRefresh) },
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured backend and stored session",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd, runStatus) },
}

func init() {
	loginCmd.Flags().StringVar(&flagIdentityToken, "identity-token", "", "Identity-provider token (or IDENTITY_TOKEN env)")
	rootCmd.AddCommand(loginCmd, logoutCmd, refreshCmd, statusCmd)
}

func runLogin(ctx context.Context, a *app) (string, error) {
	token := flagIdentityToken
	if token == "" {
		token = os.Getenv("IDENTITY_TOKEN")
	}
	if token == "" {
		return "", errors.New("identity token not set, use --identity-token or IDENTITY_TOKEN")
	}

	a.display.LoggingIn()
	user, err := a.session.Login(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	if err != nil {
		return "", err
	}
	a.display.LoginOK(userLabel(user))
	return "Logged in", nil
}

// userLabel picks something readable out of the opaque user payload.
func userLabel(user []byte) string {
	for _, path := range []string{"email", "name", "id"} {
		if v := gjson.GetBytes(user, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func runLogout(_ context.Context, a *app) (string, error) {
	if !a.session.IsLoggedIn() {
		a.display.CredentialsNotFound()
		return "Already logged out", nil
	}
	a.session.Logout()
	a.display.LoggedOut()
	return "Logged out", nil
}

func runRefresh(ctx context.Context, a *app) (string, error) {
	if !a.session.IsLoggedIn() {
		a.display.CredentialsNotFound()
		return "", errNotLoggedIn
	}
	a.display.CredentialsFound(a.cfg.Profile)
	if err := a.session.Refresh(ctx); err != nil {
		return "", err
	}
	return "Session refreshed", nil
}

func runStatus(_ context.Context, a *app) (string, error) {
	creds := a.store.Get().Redacted()

	fmt.Fprintf(a.out, "Server:   %s\n", a.cfg.ServerURL)
	fmt.Fprintf(a.out, "Profile:  %s\n", a.cfg.Profile)
	if a.cfg.Store == config.StoreMemory {
		fmt.Fprintf(a.out, "Store:    %s\n", a.cfg.Store)
	} else {
		fmt.Fprintf(a.out, "Store:    %s (%s)\n", a.cfg.Store, a.cfg.TokenFile)
	}
	fmt.Fprintf(a.out, "Timeout:  %s\n", a.cfg.Timeout)

	if !a.session.IsLoggedIn() {
		fmt.Fprintln(a.out, "Session:  none")
		return "Not logged in", nil
	}
	fmt.Fprintln(a.out, "Session:  active")
	fmt.Fprintf(a.out, "Access:   %s\n", creds.AccessToken)
	fmt.Fprintf(a.out, "Refresh:  %s\n", creds.RefreshToken)
	return "Logged in", nil
}
