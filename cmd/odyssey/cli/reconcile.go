package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/jobs"
)

// ReconcileRunner runs a reconciliation pass.
type ReconcileRunner interface {
	Run(ctx context.Context, payload jobs.ReconcilePayload) (jobs.ReconcileReport, error)
}

// ReconcileOptions defines available flags for the reconcile command.
type ReconcileOptions struct {
	Location    string
	Concurrency int
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// ReconcileSummary describes the JSON response for reconcile.
type ReconcileSummary struct {
	OK         bool                `json:"ok"`
	Checked    int                 `json:"checked"`
	Mismatches []ReconcileMismatch `json:"mismatches"`
}

// ReconcileMismatch is one position whose on-hand disagrees with its ledger.
type ReconcileMismatch struct {
	ItemID    int64  `json:"item_id"`
	Location  string `json:"location"`
	LedgerSum string `json:"ledger_sum"`
	OnHand    string `json:"on_hand"`
}

// ReconcileCommand runs the reconciliation synchronously and prints the outcome. It exits
// with 10 when mismatches were found.
func ReconcileCommand(ctx context.Context, runner ReconcileRunner, opts ReconcileOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Location != "" {
		if _, err := inventory.ParseLocation(opts.Location); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: invalid --location %q (expected central or department:<id>)\n", opts.Location)
			return 1
		}
	}
	report, err := runner.Run(ctx, jobs.ReconcilePayload{Location: opts.Location, Concurrency: opts.Concurrency})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return 1
	}
	summary := buildReconcileSummary(report)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		renderReconcileHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func buildReconcileSummary(report jobs.ReconcileReport) ReconcileSummary {
	mismatches := make([]ReconcileMismatch, 0, len(report.Mismatches))
	for _, rec := range report.Mismatches {
		mismatches = append(mismatches, ReconcileMismatch{
			ItemID:    rec.ItemID,
			Location:  rec.Location.String(),
			LedgerSum: rec.LedgerSum.String(),
			OnHand:    rec.OnHand.String(),
		})
	}
	sort.Slice(mismatches, func(i, j int) bool {
		if mismatches[i].ItemID == mismatches[j].ItemID {
			return mismatches[i].Location < mismatches[j].Location
		}
		return mismatches[i].ItemID < mismatches[j].ItemID
	})
	return ReconcileSummary{OK: len(mismatches) == 0, Checked: report.Checked, Mismatches: mismatches}
}

func renderReconcileHuman(out io.Writer, summary ReconcileSummary) {
	_, _ = fmt.Fprintf(out, "Checked %d position(s).\n", summary.Checked)
	if summary.OK {
		_, _ = fmt.Fprintln(out, "Every position matches its ledger.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d mismatch(es):\n", len(summary.Mismatches))
	for _, m := range summary.Mismatches {
		_, _ = fmt.Fprintf(out, " - item %d at %s: ledger %s, on hand %s\n", m.ItemID, m.Location, m.LedgerSum, m.OnHand)
	}
}
