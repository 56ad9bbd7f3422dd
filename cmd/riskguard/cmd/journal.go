package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskguard/journal"
)

var lockoutsCmd = &cobra.Command{
	Use:   "lockouts",
	Short: "List persisted lockouts",
	Long: `List the lockouts recorded in the journal database.

Examples:
  riskguard lockouts --db ./riskguard.sqlite
  riskguard lockouts --driver postgres --db "postgres://localhost/riskguard"`,
	Args: cobra.NoArgs,
	RunE: runLockouts,
}

var resetsCmd = &cobra.Command{
	Use:   "resets",
	Short: "List fired daily and weekly resets",
	Args:  cobra.NoArgs,
	RunE:  runResets,
}

var actionsCmd = &cobra.Command{
	Use:   "actions [action-id]",
	Short: "List enforcement actions, or show one",
	Long: `List enforcement actions recorded by the dispatcher.

Examples:
  riskguard actions --account ACC1 --status failed
  riskguard actions --format csv > actions.csv
  riskguard actions 01HV8R8C3S2ZKX9M7B6Q`,
	Args: cobra.MaximumNArgs(1),
	RunE: runActions,
}

var (
	journalDSN    string
	journalDriver string
	queryAccount  string
	queryStatus   string
	queryLimit    int
	queryFormat   string
)

func init() {
	for _, c := range []*cobra.Command{lockoutsCmd, resetsCmd, actionsCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringVarP(&journalDSN, "db", "d", "./riskguard.sqlite", "journal database path or DSN")
		c.Flags().StringVar(&journalDriver, "driver", journal.DriverSQLite, "journal driver (sqlite3 or postgres)")
	}
	for _, c := range []*cobra.Command{resetsCmd, actionsCmd} {
		c.Flags().StringVarP(&queryAccount, "account", "a", "", "only this account")
		c.Flags().IntVarP(&queryLimit, "limit", "n", 50, "maximum rows (0 for all)")
	}
	actionsCmd.Flags().StringVar(&queryStatus, "status", "", "only this status (pending, done, failed)")
	actionsCmd.Flags().StringVar(&queryFormat, "format", "org", "output format (org or csv)")
}

func openJournal() (*journal.Store, error) {
	j, err := journal.Open(journalDriver, journalDSN, 0)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}

func runLockouts(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	ls, err := j.ListLockouts(cmd.Context())
	if err != nil {
		return fmt.Errorf("list lockouts: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatLockoutsOrg(ls))
	return nil
}

func runResets(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.ListResetRecords(cmd.Context(), queryAccount, queryLimit)
	if err != nil {
		return fmt.Errorf("list resets: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "| Account | Period | Fired |")
	fmt.Fprintln(out, "|---------+--------+-------|")
	for _, r := range recs {
		fmt.Fprintf(out, "| %s | %s | %s |\n", r.AccountID, r.PeriodKey, r.FiredAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func runActions(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		a, err := j.GetAction(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get action: %w", err)
		}
		fmt.Fprintln(out, journal.FormatActionOrg(a))
		return nil
	}

	as, err := j.ListActions(cmd.Context(), journal.ActionFilter{
		AccountID: queryAccount,
		Status:    journal.ActionStatus(strings.ToLower(queryStatus)),
		Limit:     queryLimit,
	})
	if err != nil {
		return fmt.Errorf("list actions: %w", err)
	}
	switch queryFormat {
	case "csv":
		return journal.WriteActionsCSV(out, as)
	case "org":
		fmt.Fprintln(out, journal.FormatActionsOrg(as))
		return nil
	}
	return fmt.Errorf("unknown format %q", queryFormat)
}
