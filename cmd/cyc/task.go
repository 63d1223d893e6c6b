package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cyclecount/internal/annotate"
	"cyclecount/internal/app"
	"cyclecount/internal/count"
	"cyclecount/internal/domain"
	"cyclecount/internal/engine"
	"cyclecount/internal/reconcile"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Work on the current counting task",
		Long: `Open or resume the day's task, then walk it through the phases.
Counting accepts scans and quantities; finalize derives discrepancies; annotate explains them
per SKU; sign needs every discrepancy explained; complete archives the task.`,
	}
	task.AddCommand(taskOpenCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskScanCmd())
	task.AddCommand(taskUnscanCmd())
	task.AddCommand(taskQtyCmd())
	task.AddCommand(taskFinalizeCmd())
	task.AddCommand(taskReopenCmd())
	task.AddCommand(taskResetCmd())
	task.AddCommand(taskAnnotateCmd())
	task.AddCommand(taskSkusCmd())
	task.AddCommand(taskSummaryCmd())
	task.AddCommand(taskCountsCmd())
	task.AddCommand(taskSignCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open the task for --date, resuming an unfinished one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				t, _ := s.Task()
				return t, nil
			})
		},
	}
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd.Context(), func(ctx context.Context, ws *app.Workspace, t domain.InventoryTask) error {
				if viper.GetBool("json") {
					return printJSON(t)
				}
				printTask(t)
				printDiscrepancies(t.Discrepancies)
				return nil
			})
		},
	}
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start counting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				return s.Start(ctx)
			})
		},
	}
}

func taskScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <serial>...",
		Short: "Record scanned serials",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				var t domain.InventoryTask
				for _, serial := range args {
					next, dup, err := s.Scan(ctx, serial)
					if err != nil {
						return next, err
					}
					if dup && !viper.GetBool("json") {
						fmt.Printf("%s already confirmed\n", serial)
					}
					t = next
				}
				return t, nil
			})
		},
	}
}

func taskUnscanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unscan <serial>",
		Short: "Remove a confirmed serial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				return s.Unscan(ctx, args[0])
			})
		},
	}
}

func taskQtyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "qty <sku> <count>",
		Short: "Set the counted quantity of a quantity-counted SKU",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("count must be a whole number: %w", err)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				return s.SetQuantity(ctx, args[0], n)
			})
		},
	}
}

func taskFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize",
		Short: "Finish counting and derive discrepancies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				return s.Finalize(ctx)
			})
		},
	}
}

func taskReopenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen",
		Short: "Return to counting, keeping discrepancies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				return s.Reopen(ctx)
			})
		},
	}
}

func taskResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Drop derived discrepancies and derive them again when reconciling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				return s.ResetReconciliation(ctx)
			})
		},
	}
}

func taskAnnotateCmd() *cobra.Command {
	var a annotate.Annotation
	var reason, shortage, overage string
	cmd := &cobra.Command{
		Use:   "annotate <sku>",
		Short: "Explain the discrepancies of a SKU",
		Long:  "Reasons: " + reasonList() + ". OTHER needs --remarks.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Reason = domain.Reason(strings.ToUpper(reason))
			a.ShortageReason = domain.Reason(strings.ToUpper(shortage))
			a.OverageReason = domain.Reason(strings.ToUpper(overage))
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				return s.Annotate(ctx, args[0], a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for every discrepancy of the SKU")
	cmd.Flags().StringVar(&shortage, "shortage-reason", "", "reason for shortages only")
	cmd.Flags().StringVar(&overage, "overage-reason", "", "reason for overages only")
	cmd.Flags().StringVar(&a.Remarks, "remarks", "", "free text, required for OTHER")
	cmd.Flags().StringSliceVar(&a.Evidence, "evidence", nil, "evidence references (up to 9)")
	return cmd
}

func reasonList() string {
	var out []string
	for _, r := range domain.Reasons() {
		out = append(out, string(r))
	}
	return strings.Join(out, ", ")
}

func taskSkusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skus",
		Short: "Discrepancies rolled up per SKU",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd.Context(), func(ctx context.Context, ws *app.Workspace, t domain.InventoryTask) error {
				aggs := reconcile.Aggregate(t.Discrepancies)
				if viper.GetBool("json") {
					return printJSON(aggs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"SKU", "Name", "Price", "Loss", "Profit", "Withdrawn", "Pending", "Reasons", "Done"})
				for _, a := range aggs {
					var reasons []string
					for _, r := range a.Reasons {
						reasons = append(reasons, r.Label())
					}
					tw.AppendRow(table.Row{a.SKU, a.Name, a.UnitPrice.StringFixed(2), a.Loss, a.Profit, a.Withdrawn, a.Pending, strings.Join(reasons, ", "), a.FullyConfirmed})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Discrepancy totals and amounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd.Context(), func(ctx context.Context, ws *app.Workspace, t domain.InventoryTask) error {
				s := reconcile.Summarize(t)
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Discrepancies", s.Total},
					{"Confirmed", s.Confirmed},
					{"Pending", s.Pending},
					{"Loss", s.Loss},
					{"Profit", s.Profit},
					{"Withdrawn", s.Withdrawn},
					{"Stock value", s.StockValue.StringFixed(2)},
					{"Shortage amount", s.ShortageAmount.StringFixed(2)},
					{"Overage amount", s.OverageAmount.StringFixed(2)},
					{"Net amount", s.NetAmount.StringFixed(2)},
					{"Diff rate %", s.DiffRate.StringFixed(2)},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func taskCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Expected against actual per SKU",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd.Context(), func(ctx context.Context, ws *app.Workspace, t domain.InventoryTask) error {
				rows := reconcile.SkuCounts(t)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"progress": count.Measure(t), "items": rows})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"SKU", "Name", "Method", "Expected", "Actual", "Diff", "Diff Amount"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.SKU, r.Name, r.CountMethod, r.Expected, r.Actual, r.Diff, r.DiffAmount.StringFixed(2)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskSignCmd() *cobra.Command {
	var by, image, imageFile string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign off the reconciled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if imageFile != "" {
				uri, err := dataURI(imageFile)
				if err != nil {
					return err
				}
				image = uri
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				return s.Sign(ctx, by, image)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "signer name")
	cmd.Flags().StringVar(&image, "image", "", "signature image as a data URI")
	cmd.Flags().StringVar(&imageFile, "image-file", "", "signature image file")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func dataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	typ := mime.TypeByExtension(filepath.Ext(path))
	if typ == "" {
		typ = "application/octet-stream"
	}
	return "data:" + typ + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete",
		Short: "Complete a signed task and archive it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) (domain.InventoryTask, error) {
				return s.Complete(ctx)
			})
		},
	}
}

func printTask(t domain.InventoryTask) {
	p := count.Measure(t)
	fmt.Printf("task %s  date %s  phase %s  version %d\n", t.ID, t.Date, t.Phase, t.Version)
	fmt.Printf("counted %d/%d units, %d/%d SKUs, %d unexpected\n", p.CountedUnits, p.ExpectedUnits, p.CountedSKUs, p.TotalSKUs, p.Overages)
	if len(t.Discrepancies) > 0 {
		pending := annotate.Pending(t.Discrepancies)
		fmt.Printf("discrepancies %d, unexplained SKUs %d\n", len(t.Discrepancies), len(pending))
	}
	if t.Stale {
		fmt.Println("counts changed after derivation; run 'cyc task reset' to derive again")
	}
	if t.Signature != nil {
		fmt.Printf("signed by %s at %s\n", t.Signature.SignedBy, t.Signature.SignedAt.Format("2006-01-02 15:04"))
	}
}

func printDiscrepancies(discs []domain.Discrepancy) {
	if len(discs) == 0 {
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Serial", "SKU", "Name", "Kind", "Price", "Reason", "Remarks"})
	for _, d := range discs {
		reason := ""
		switch {
		case d.AutoResolved:
			reason = d.Reason.Label() + " (withdrawn)"
		case d.Reason != "":
			reason = d.Reason.Label()
		}
		tw.AppendRow(table.Row{d.Serial, d.SKU, d.Name, d.Kind, d.UnitPrice.StringFixed(2), reason, d.Remarks})
	}
	tw.Render()
}
