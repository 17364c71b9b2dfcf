package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/member-payments/internal/core/database"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
	intentpostgres "github.com/frahmantamala/member-payments/internal/intent/postgres"
	webhookpostgres "github.com/frahmantamala/member-payments/internal/webhook/postgres"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print intent and ledger counts and the intents waiting for an operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printReport(cmd.Context(), os.Stdout)
	},
}

var (
	reportLimit int
	reportJSON  bool
)

type oldestOpen struct {
	Status string    `db:"status" json:"status"`
	Oldest time.Time `db:"oldest" json:"oldest_updated_at"`
	Count  int64     `db:"count" json:"count"`
}

type opsReport struct {
	Intents        map[lifecycle.Status]int64     `json:"intents"`
	Ledger         map[intent.LedgerOutcome]int64 `json:"ledger"`
	Open           []oldestOpen                   `json:"open"`
	NeedsAttention []intent.PaymentIntent         `json:"needs_attention"`
}

func printReport(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sqlDB, gormDB, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	intents := intentpostgres.NewIntentRepository(gormDB)
	ledger := webhookpostgres.NewLedgerRepository(gormDB)

	var r opsReport
	if r.Intents, err = intents.CountByStatus(ctx); err != nil {
		return fmt.Errorf("count intents: %w", err)
	}
	if r.Ledger, err = ledger.CountByOutcome(ctx); err != nil {
		return fmt.Errorf("count ledger entries: %w", err)
	}
	if r.Open, err = openIntents(ctx, sqlDB); err != nil {
		return fmt.Errorf("load open intents: %w", err)
	}
	if r.NeedsAttention, err = intents.ListNeedingAttention(ctx, reportLimit); err != nil {
		return fmt.Errorf("list intents needing attention: %w", err)
	}

	if reportJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	return writeReport(out, r)
}

func openIntents(ctx context.Context, db *sqlx.DB) ([]oldestOpen, error) {
	query, args, err := sqlx.In(`
		SELECT status, MIN(updated_at) AS oldest, COUNT(*) AS count
		FROM payment_intents
		WHERE status IN (?)
		GROUP BY status
		ORDER BY status`, lifecycle.NonTerminal())
	if err != nil {
		return nil, err
	}

	var rows []oldestOpen
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func writeReport(out io.Writer, r opsReport) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "STATUS\tINTENTS")
	for _, s := range lifecycle.All() {
		fmt.Fprintf(w, "%s\t%d\n", s, r.Intents[s])
	}

	fmt.Fprintln(w, "\nOUTCOME\tLEDGER ENTRIES")
	outcomes := make([]string, 0, len(r.Ledger))
	for o := range r.Ledger {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s\t%d\n", o, r.Ledger[intent.LedgerOutcome(o)])
	}

	fmt.Fprintln(w, "\nOPEN\tCOUNT\tOLDEST UPDATE")
	for _, o := range r.Open {
		fmt.Fprintf(w, "%s\t%d\t%s\n", o.Status, o.Count, o.Oldest.Format(time.RFC3339))
	}

	fmt.Fprintln(w, "\nNEEDS ATTENTION\tSTATUS\tPROVIDER REF\tQUERY FAILURES\tUPDATED")
	for _, p := range r.NeedsAttention {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Status, p.Ref(), p.QueryFailures, p.UpdatedAt.Format(time.RFC3339))
	}

	return w.Flush()
}

func init() {
	reportCmd.Flags().IntVar(&reportLimit, "limit", 50, "maximum intents to list under needs attention")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print the report as JSON")
}
