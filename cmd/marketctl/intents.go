package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fixmypic/service_layer/internal/journal"
)

var intentFilter journal.Filter

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "List journaled write outcomes",
	Long: `intents reads the outcome journal in DATABASE_URL. Failed and timed out
writes stay there after the process that submitted them exits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		if e.cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required to read the journal")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		j, err := journal.OpenPostgres(ctx, e.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer j.Close()
		return printIntents(ctx, e, j)
	},
}

func printIntents(ctx context.Context, e *env, j journal.Journal) error {
	entries, err := j.List(ctx, intentFilter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		e.out.Info("no journaled intents")
		return nil
	}
	tw := tabwriter.NewWriter(e.out.Writer(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tKIND\tSTATUS\tLOCAL ID\tAUTHORITATIVE ID\tERROR")
	for _, en := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			en.FinishedAt.UTC().Format("2006-01-02 15:04:05"), en.Kind, en.Status, en.LocalID, en.AuthoritativeID, en.ErrorKind)
	}
	return tw.Flush()
}

func init() {
	intentsCmd.Flags().StringVar(&intentFilter.Status, "status", "", "only show intents with this status")
	intentsCmd.Flags().IntVar(&intentFilter.Limit, "limit", 50, "maximum rows to show")
	rootCmd.AddCommand(intentsCmd)
}
