package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pocketbudget/budget-cli/api"
	"github.com/pocketbudget/budget-cli/resource"
	"github.com/pocketbudget/budget-cli/session"
)

var (
	flagFilter string
	flagPages  int
	flagAll    bool
	flagJSON   bool
)

var listCmd = &cobra.Command{
	Use:   "list <kind>",
	Short: "List a resource page by page",
	Long: "List a resource page by page. Kinds: budgets, transactions, recurring-transactions,\n" +
		"notifications, chats, categories. Transactions take --filter <budget_id>.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := resource.KindByName(args[0])
		if err != nil {
			return err
		}
		return run(cmd, func(ctx context.Context, a *app) (string, error) {
			return runList(ctx, a, kind)
		})
	},
}

func init() {
	listCmd.Flags().StringVar(&flagFilter, "filter", "", "Filter value, e.g. a budget id for transactions")
	listCmd.Flags().IntVar(&flagPages, "pages", 1, "Number of pages to load")
	listCmd.Flags().BoolVar(&flagAll, "all", false, "Load every page")
	listCmd.Flags().BoolVar(&flagJSON, "json", false, "Print each item as a JSON line")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, a *app, kind resource.Kind) (string, error) {
	if !a.session.IsLoggedIn() {
		a.display.CredentialsNotFound()
		return "", errNotLoggedIn
	}
	a.display.CredentialsFound(a.cfg.Profile)

	if flagFilter != "" && !kind.Filterable() {
		return "", fmt.Errorf("%s cannot be filtered", kind)
	}

	col, untrack := resource.NewCollection(a.session, kind, flagFilter)
	defer untrack()

	a.display.Loading(kind.Name, 1)
	if err := col.Reload(ctx); err != nil {
		return "", err
	}
	if err := loadStatus(ctx, a); err != nil {
		return "", err
	}
	st := col.Snapshot()
	a.display.PageLoaded(kind.Name, st.CurrentPage, len(st.Items), st.Total, st.HasMore)

	for page := 1; st.HasMore && (flagAll || page < flagPages); page++ {
		items := st.Items
		a.display.Loading(kind.Name, st.CurrentPage+1)
		if err := col.LoadMore(ctx, items[len(items)-1].ID()); err != nil {
			return "", err
		}
		if err := loadStatus(ctx, a); err != nil {
			return "", err
		}
		st = col.Snapshot()
		a.display.PageLoaded(kind.Name, st.CurrentPage, len(st.Items), st.Total, st.HasMore)
	}

	if kind == resource.Budgets && a.session.NeedsInitialSetup() {
		a.display.NeedsInitialSetup()
	}

	for _, item := range st.Items {
		if flagJSON {
			fmt.Fprintln(a.out, string(item.Raw()))
			continue
		}
		created := ""
		if t := item.CreatedAt(); !t.IsZero() {
			created = t.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(a.out, "%s\t%s\t%s\n", item.ID(), created, item.Title())
	}

	summary := fmt.Sprintf("Listed %d of %d %s", len(st.Items), st.Total, kind)
	if st.HasMore {
		summary += " (more available)"
	}
	return summary, nil
}

// loadStatus turns the silent outcomes of a collection load into errors:
// a cancelled fetch and one abandoned by a forced logout both leave the
// collection untouched and return nil.
func loadStatus(ctx context.Context, a *app) error {
	if ctx.Err() != nil {
		return api.ErrCancelled
	}
	select {
	case <-a.session.Expired():
		return session.ErrSessionExpired
	default:
		return nil
	}
}
