package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"assessline/internal/app"
	"assessline/internal/domain"
	"assessline/internal/engine"
	"assessline/internal/repo"
	assesslinesdk "assessline/sdk/go"
)

// statusView is what session status prints, whether it came from the local
// database or a remote server.
type statusView struct {
	SessionID string  `json:"session_id"`
	Status    string  `json:"status"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Progress  float64 `json:"progress"`
	LastError *string `json:"last_error,omitempty"`
}

func localStatus(s domain.SessionStatus) statusView {
	return statusView{SessionID: s.SessionID, Status: s.Status, Completed: s.Completed, Total: s.Total, Progress: s.Progress, LastError: s.LastError}
}

func remoteStatus(s assesslinesdk.SessionStatus) statusView {
	return statusView{SessionID: s.SessionID, Status: s.Status, Completed: s.Completed, Total: s.Total, Progress: s.Progress, LastError: s.LastError}
}

func printStatus(v statusView) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Printf("Session:  %s\n", v.SessionID)
	fmt.Printf("Status:   %s\n", colorStatus(v.Status))
	fmt.Printf("Progress: %d/%d (%.0f%%)\n", v.Completed, v.Total, v.Progress*100)
	if v.LastError != nil {
		fmt.Printf("Error:    %s\n", color.RedString(*v.LastError))
	}
	return nil
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Manage validation sessions"}

	var org, unit string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a session for an organisation and unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				s, err := c.StartSession(cmd.Context(), org, unit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				printOK(fmt.Sprintf("session %s started (namespace %s)", s.ID, s.Namespace))
				return nil
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.StartSession(ctx, org, unit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				printOK(fmt.Sprintf("session %s started (namespace %s)", s.ID, s.Namespace))
				return nil
			})
		},
	}
	start.Flags().StringVar(&org, "org", "", "organisation code")
	start.Flags().StringVar(&unit, "unit", "", "unit code")
	sess.AddCommand(start)

	var statusFilter string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sessions, err := rt.Engine.Repo.ListSessions(ctx, statusFilter, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := newTable(table.Row{"ID", "Org", "Unit", "Status", "Progress", "Updated"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{s.ID, s.OrgCode, s.UnitCode, colorStatus(s.Status), fmt.Sprintf("%d/%d", s.CompletedCount, s.RequirementTotal), s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&statusFilter, "status", "", "filter by status")
	list.Flags().IntVar(&limit, "limit", 50, "maximum sessions to show")
	sess.AddCommand(list)

	sess.AddCommand(&cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's status and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				st, err := c.GetSessionStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printStatus(remoteStatus(st))
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.GetSessionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(localStatus(st))
			})
		},
	})

	var interval time.Duration
	var attempts int
	wait := &cobra.Command{
		Use:   "wait <session-id>",
		Short: "Poll until the session's documents are indexed and validation has begun",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				st, err := c.WaitReady(cmd.Context(), args[0], interval, attempts)
				if errors.Is(err, assesslinesdk.ErrWaitTimeout) {
					printStatus(remoteStatus(st))
				}
				if err != nil {
					return err
				}
				return printStatus(remoteStatus(st))
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.WaitReady(ctx, args[0], engine.PollOptions{Interval: interval, MaxAttempts: attempts})
				if err != nil {
					return err
				}
				return printStatus(localStatus(st))
			})
		},
	}
	wait.Flags().DurationVar(&interval, "interval", 0, "delay between polls (default from config)")
	wait.Flags().IntVar(&attempts, "max-attempts", 0, "polls before giving up (default from config)")
	sess.AddCommand(wait)

	sess.AddCommand(&cobra.Command{
		Use:   "trigger <session-id>",
		Short: "Start validation now if every document is indexed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				res, err := c.TriggerSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printTrigger(res.Triggered, res.Status, res.Reason, res)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Trigger(ctx, args[0], domain.TriggerManual)
				if err != nil && !errors.Is(err, engine.ErrSessionNotReady) {
					return err
				}
				var reason *string
				if err != nil {
					msg := err.Error()
					reason = &msg
				}
				return printTrigger(res.Triggered, res.Status, reason, res)
			})
		},
	})

	sess.AddCommand(&cobra.Command{
		Use:   "run <session-id>",
		Short: "Validate a ready session in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sum, err := rt.Engine.RunValidation(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("Status:    %s\n", colorStatus(sum.Status))
				fmt.Printf("Validated: %d (skipped %d, errored %d)\n", sum.Validated, sum.Skipped, sum.Errored)
				fmt.Printf("Duration:  %s\n", sum.Duration.Round(time.Millisecond))
				return nil
			})
		},
	})
	return sess
}

func printTrigger(triggered bool, status string, reason *string, raw any) error {
	if viper.GetBool("json") {
		return printJSON(raw)
	}
	switch {
	case triggered:
		printOK("validation started")
	case reason != nil:
		fmt.Printf("%s not triggered: %s\n", color.YellowString("!"), *reason)
	default:
		fmt.Printf("%s session already %s\n", color.YellowString("-"), colorStatus(status))
	}
	return nil
}

func documentCmd() *cobra.Command {
	doc := &cobra.Command{Use: "document", Short: "Register documents and report indexing progress"}

	var name, ref string
	register := &cobra.Command{
		Use:   "register <session-id>",
		Short: "Register a document and submit it for indexing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				d, err := c.RegisterDocument(cmd.Context(), args[0], name, ref)
				if err != nil {
					return err
				}
				return printDocument(d.ID, d.Name, d.IndexingStatus, d.IndexingError, d)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.RegisterDocument(ctx, args[0], name, ref)
				if err != nil && d.ID == "" {
					return err
				}
				return printDocument(d.ID, d.Name, d.IndexingStatus, d.IndexingError, d)
			})
		},
	}
	register.Flags().StringVar(&name, "name", "", "document name")
	register.Flags().StringVar(&ref, "ref", "", "storage reference passed to the indexer")
	doc.AddCommand(register)

	doc.AddCommand(&cobra.Command{
		Use:   "list <session-id>",
		Short: "List a session's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Engine.Repo.GetSession(ctx, args[0]); err != nil {
					return err
				}
				docs, err := rt.Engine.Repo.ListDocuments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := newTable(table.Row{"ID", "Name", "Indexing", "Operation", "Error"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.Name, colorStatus(d.IndexingStatus), deref(d.IndexingOperationID), deref(d.IndexingError)})
				}
				tw.Render()
				return nil
			})
		},
	})

	var status, errMsg string
	report := &cobra.Command{
		Use:   "status <document-id>",
		Short: "Record an indexing status change for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var indexErr *string
			if errMsg != "" {
				indexErr = &errMsg
			}
			if c := remote(); c != nil {
				d, err := c.ReportIndexingStatus(cmd.Context(), args[0], status, indexErr)
				if err != nil {
					return err
				}
				return printDocument(d.ID, d.Name, d.IndexingStatus, d.IndexingError, d)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.OnIndexingStatusChanged(ctx, args[0], status, indexErr)
				if err != nil {
					return err
				}
				return printDocument(d.ID, d.Name, d.IndexingStatus, d.IndexingError, d)
			})
		},
	}
	report.Flags().StringVar(&status, "status", domain.IndexingCompleted, "pending, processing, completed, failed or timeout")
	report.Flags().StringVar(&errMsg, "error", "", "indexing error message")
	doc.AddCommand(report)
	return doc
}

func printDocument(id, name, status string, indexErr *string, raw any) error {
	if viper.GetBool("json") {
		return printJSON(raw)
	}
	fmt.Printf("Document: %s (%s)\n", id, name)
	fmt.Printf("Indexing: %s\n", colorStatus(status))
	if indexErr != nil {
		fmt.Printf("Error:    %s\n", color.RedString(*indexErr))
	}
	return nil
}

type outcomeRow struct {
	Category, Number, Status, Reasoning string
	Errored                             bool
	Retries, Citations                  int
}

func outcomesCmd() *cobra.Command {
	oc := &cobra.Command{Use: "outcomes", Short: "Inspect validation outcomes"}
	var category, status string
	var errorsOnly bool
	list := &cobra.Command{
		Use:   "list <session-id>",
		Short: "List a session's outcomes in catalog order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []outcomeRow
			if c := remote(); c != nil {
				outs, err := c.ListOutcomes(cmd.Context(), args[0], assesslinesdk.OutcomeFilter{Category: category, Status: status, ErrorsOnly: errorsOnly})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(outs)
				}
				for _, o := range outs {
					rows = append(rows, outcomeRow{o.Category, o.RequirementNumber, o.Status, o.Reasoning, o.ValidationError, o.RetryCount, len(o.Citations)})
				}
			} else {
				err := withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
					if _, err := rt.Engine.Repo.GetSession(ctx, args[0]); err != nil {
						return err
					}
					outs, err := rt.Engine.Repo.ListOutcomes(ctx, repo.OutcomeFilters{
						SessionID: args[0],
						Category:  domain.NormalizeCategory(category),
						Status:    status,
						ErrorOnly: errorsOnly,
					})
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(outs)
					}
					for _, o := range outs {
						rows = append(rows, outcomeRow{o.Category, o.RequirementNumber, o.Status, o.Reasoning, o.ValidationError, o.RetryCount, len(o.Citations)})
					}
					return nil
				})
				if err != nil || viper.GetBool("json") {
					return err
				}
			}
			tw := newTable(table.Row{"Category", "Number", "Status", "Citations", "Retries", "Reasoning"})
			for _, r := range rows {
				st := colorStatus(r.Status)
				if r.Errored {
					st += color.RedString(" (error)")
				}
				tw.AppendRow(table.Row{r.Category, r.Number, st, r.Citations, r.Retries, truncate(r.Reasoning, 60)})
			}
			tw.Render()
			return nil
		},
	}
	list.Flags().StringVar(&category, "category", "", "filter by category")
	list.Flags().StringVar(&status, "status", "", "filter by met, partially_met or not_met")
	list.Flags().BoolVar(&errorsOnly, "errors", false, "only outcomes recorded after a validation error")
	oc.AddCommand(list)
	return oc
}

func revalidateCmd() *cobra.Command {
	var category, number string
	cmd := &cobra.Command{
		Use:   "revalidate <session-id>",
		Short: "Re-run validation for one requirement and replace its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if category == "" || number == "" {
				return fmt.Errorf("--category and --number required")
			}
			if c := remote(); c != nil {
				o, err := c.RevalidateRequirement(cmd.Context(), args[0], category, number)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(o)
				}
				printOK(fmt.Sprintf("%s/%s is %s", o.Category, o.RequirementNumber, colorStatus(o.Status)))
				return nil
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key := domain.RequirementKey{Category: domain.NormalizeCategory(category), Number: number}
				o, err := rt.Engine.ReValidateRequirement(ctx, args[0], key)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(o)
				}
				printOK(fmt.Sprintf("%s is %s", key, colorStatus(o.Status)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "requirement category")
	cmd.Flags().StringVar(&number, "number", "", "requirement number")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Show trigger and event history"}
	lg.AddCommand(&cobra.Command{
		Use:   "triggers <session-id>",
		Short: "Show every trigger attempt for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Engine.Repo.GetSession(ctx, args[0]); err != nil {
					return err
				}
				entries, err := rt.Engine.Repo.ListTriggers(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable(table.Row{"TS", "Source", "Result", "Error"})
				for _, e := range entries {
					result := color.YellowString("refused")
					if e.Succeeded {
						result = color.GreenString("triggered")
					}
					tw.AppendRow(table.Row{e.TS, e.Source, result, deref(e.Error)})
				}
				tw.Render()
				return nil
			})
		},
	})

	var sessionID, evtType string
	var dead bool
	var limit int
	events := &cobra.Command{
		Use:   "events",
		Short: "Show outbox events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evts, err := rt.Engine.Repo.ListEvents(ctx, repo.EventFilters{SessionID: sessionID, Type: evtType, DeadLetter: dead, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Session", "Published", "Attempts", "Error"})
				for _, e := range evts {
					published := color.YellowString("pending")
					switch {
					case e.DeadLetter:
						published = color.RedString("dead")
					case e.PublishedAt != nil:
						published = color.GreenString(*e.PublishedAt)
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.SessionID, published, e.Attempts, deref(e.LastError)})
				}
				tw.Render()
				return nil
			})
		},
	}
	events.Flags().StringVar(&sessionID, "session", "", "filter by session id")
	events.Flags().StringVar(&evtType, "type", "", "filter by event type")
	events.Flags().BoolVar(&dead, "dead", false, "only dead-lettered events")
	events.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	lg.AddCommand(events)
	return lg
}
