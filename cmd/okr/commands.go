package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"okrline/internal/app"
	"okrline/internal/domain"
	"okrline/internal/engine"
	"okrline/internal/export"
	"okrline/internal/normalize"
	"okrline/internal/pipeline"
	"okrline/internal/tracker"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Extract initiatives from a CSV file",
		Long:  "Uploads the file, runs the extraction prompt and stores the records. Ctrl-C cancels the run; a result arriving afterwards is discarded.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				if err := app.CheckCredentials(e.Config); err != nil {
					return err
				}
				st, err := e.StartIngest(ctx, sessionID(), string(data), actorID())
				if err != nil {
					return err
				}
				st, err = narrate(ctx, e, st)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				return reportRun(st)
			})
		},
	}
	return cmd
}

// narrate prints each narration change until the run settles. A cancelled
// ctx cancels the run.
func narrate(ctx context.Context, e *engine.Engine, st domain.RunStatus) (domain.RunStatus, error) {
	quiet := viper.GetBool("json")
	last := ""
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if st.Status != "" && st.Status != last && st.State.InFlight() && !quiet {
			fmt.Println("→", st.Status)
			last = st.Status
		}
		if !st.State.InFlight() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			cst, _, err := e.Cancel(context.Background(), st.SessionID, actorID())
			return cst, err
		case <-ticker.C:
		}
		next, err := e.Status(context.Background(), st.SessionID)
		if err != nil {
			return st, err
		}
		st = next
	}
}

func reportRun(st domain.RunStatus) error {
	switch st.State {
	case domain.StateReady:
		success("Extracted %d initiatives (okr dashboard to view)", st.Count)
		return nil
	case domain.StateFailed:
		msg := normalize.Placeholder(st.Status, pipeline.NarrateFailed)
		if st.Detail != "" {
			msg += " (" + st.Message + ": " + st.Detail + ")"
		}
		return errors.New(msg)
	}
	if st.Message == pipeline.ReasonCancelled {
		return errors.New("run cancelled")
	}
	return fmt.Errorf("run ended in state %s", st.State)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Status(ctx, sessionID())
				if err != nil {
					return err
				}
				objects, err := e.Objects(ctx, sessionID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"status": st, "objects": len(objects)})
				}
				fmt.Printf("Session: %s\n", st.SessionID)
				fmt.Printf("State: %s\n", st.State)
				if st.Status != "" {
					fmt.Printf("Narration: %s\n", st.Status)
				}
				if st.Message != "" {
					fmt.Printf("Reason: %s\n", st.Message)
				}
				if st.Detail != "" {
					fmt.Printf("Detail: %s\n", st.Detail)
				}
				fmt.Printf("Initiatives: %d\n", st.Count)
				fmt.Printf("Remote objects: %d\n", len(objects))
				return nil
			})
		},
	}
}

func dashboardCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "List extracted initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				d, err := e.Dashboard(ctx, sessionID())
				if err != nil {
					return err
				}
				if status != "" {
					want := normalize.Canonical(status)
					var kept []domain.InitiativeView
					for _, v := range d.Items {
						if normalize.Canonical(v.Status) == want {
							kept = append(kept, v)
						}
					}
					d.Items = kept
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				if len(d.Items) == 0 {
					fmt.Println("No initiatives. Run okr ingest FILE first.")
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Status", "Progress", "Due"})
				for _, v := range d.Items {
					due := normalize.FormatDate(v.DueDate)
					if v.Overdue {
						due += " ⚠"
					}
					tw.AppendRow(table.Row{v.InitiativeID, v.Name, v.Owner, colorStatus(v.Status), fmt.Sprintf("%d%%", v.Progress), due})
				}
				tw.Render()
				var parts []string
				for _, sc := range d.Summary {
					parts = append(parts, fmt.Sprintf("%s: %d", colorStatus(sc.Status), sc.Count))
				}
				fmt.Printf("Total: %d  %s\n", len(d.Items), strings.Join(parts, "  "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.Initiative(ctx, sessionID(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				due := normalize.FormatDate(v.DueDate)
				if v.Overdue {
					due += " ⚠ overdue"
				}
				fmt.Printf("%s  %s\n", v.InitiativeID, v.Name)
				fmt.Printf("Owner: %s\n", v.Owner)
				fmt.Printf("Status: %s (%d%%)\n", colorStatus(v.Status), v.Progress)
				fmt.Printf("Due: %s\n", due)
				fmt.Printf("Related OKR: %s\n", v.RelatedOKR)
				fmt.Printf("\n%s\n\n", v.Description)
				fmt.Printf("Objectives: %s\n", normalize.Placeholder(v.Objectives, normalize.NoObjectives))
				fmt.Printf("Metrics/KPIs: %s\n", normalize.Placeholder(v.MetricsKPIs, normalize.NoMetrics))
				fmt.Printf("Notes: %s\n", normalize.Placeholder(v.Notes, normalize.NoNotes))
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write initiatives as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if out == "-" {
					return e.Export(ctx, sessionID(), os.Stdout)
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := e.Export(ctx, sessionID(), f); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				success("Wrote %s", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", export.DefaultFileName, "output file, - for stdout")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Remote call log and event log",
		Long:  "The call log records every request made to the extraction service with its payload and response. Events record pipeline transitions.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logClearCmd())
	log.AddCommand(logEventsCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var endpoint, cursor string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent remote calls, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cur, err := parseCursor(cursor)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				calls, err := e.Calls(ctx, sessionID(), n, cur, endpoint)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(calls)
				}
				printCalls(os.Stdout, calls, verbose)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of calls")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "endpoint filter, e.g. /apply_prompt")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue below this sequence number")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include payloads and responses")
	return cmd
}

func printCalls(w io.Writer, calls []domain.CallLogEntry, verbose bool) {
	tw := newTable()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Seq", "Time", "Method", "Endpoint", "Result"})
	for _, c := range calls {
		result := "ok"
		if c.Error != "" {
			result = c.Error
		}
		tw.AppendRow(table.Row{c.Seq, c.TS, c.Method, c.Endpoint, result})
		if verbose {
			tw.AppendRow(table.Row{"", "", "", "payload", string(c.Payload)})
			if len(c.Response) > 0 {
				tw.AppendRow(table.Row{"", "", "", "response", string(c.Response)})
			}
		}
	}
	tw.Render()
}

func logClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty the call log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ClearCalls(ctx, sessionID(), actorID()); err != nil {
					return err
				}
				success("Call log cleared")
				return nil
			})
		},
	}
}

func logEventsCmd() *cobra.Command {
	var n int
	var evtType, cursor string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show pipeline events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cur, err := parseCursor(cursor)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.ListEvents(ctx, sessionID(), n, cur, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue below this event id")
	return cmd
}

func objectsCmd() *cobra.Command {
	obj := &cobra.Command{
		Use:   "objects",
		Short: "Remote objects created by this workspace",
	}
	obj.AddCommand(objectsListCmd())
	obj.AddCommand(objectsReclaimCmd())
	obj.AddCommand(objectsResetCmd())
	return obj
}

func objectsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked remote objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				objects, err := e.Objects(ctx, sessionID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(objects)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Tracked At"})
				for _, o := range objects {
					tw.AppendRow(table.Row{o.Name, o.TrackedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func objectsReclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Delete every tracked remote object and discard the current records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				results, err := e.Reclaim(ctx, sessionID(), actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				for _, r := range results {
					if r.Error != "" {
						fmt.Printf("✗ %s: %s\n", r.Name, r.Error)
						continue
					}
					success("deleted %s", r.Name)
				}
				if failed := tracker.Failed(results); len(failed) > 0 {
					return fmt.Errorf("%d object(s) could not be deleted", len(failed))
				}
				return nil
			})
		},
	}
}

func objectsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget tracked objects without deleting them remotely",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ResetObjects(ctx, sessionID(), actorID()); err != nil {
					return err
				}
				success("Object tracking reset")
				return nil
			})
		},
	}
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return v, nil
}
