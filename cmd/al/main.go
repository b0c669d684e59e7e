package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"assessline/internal/app"
	"assessline/internal/catalog"
	"assessline/internal/config"
	"assessline/internal/db"
	"assessline/internal/domain"
	"assessline/internal/engine"
	"assessline/internal/events"
	"assessline/internal/migrate"
	"assessline/internal/server"
	assesslinesdk "assessline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Assessline CLI",
	Long: `Assessline validates assessment documents against a unit's compliance requirements.
- Session: one organisation, one unit, one document namespace. Statuses go
  pending -> document_processing -> validating_in_background -> completed, or failed.
- Documents: registered files the indexer must finish before validation starts.
- Trigger: the single move into validation, fired by an indexer callback, a poll or by hand.
- Outcomes: one verdict per requirement (met, partially_met, not_met) with citations.
- Outbox: events like session.ready drive the validation runs and webhooks.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ASSESSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/assessline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "", "talk to a running API server instead of the local database")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "config", "json", "server", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(outcomesCmd())
	rootCmd.AddCommand(revalidateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(tokenCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			v, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			printOK(fmt.Sprintf("database %s at schema version %d", db.Path(workspace), v))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage assessline.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			printOK("wrote " + path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			printOK("config valid")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noRunner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the outbox dispatcher and the validation runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if !noRunner {
				if err := rt.Start(ctx); err != nil {
					return err
				}
				defer rt.Wait()
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: rt.Logger},
				Pool:     rt.Pool,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Assessline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noRunner, "no-runner", false, "serve the API only; do not dispatch events or run validations")
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Manage the requirement catalog"}
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import units and requirements from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sum, err := catalog.Import(ctx, rt.DB, data)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				printOK(fmt.Sprintf("imported %d requirements for %s", sum.Requirements, strings.Join(sum.Units, ", ")))
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "catalog YAML file")
	cat.AddCommand(importCmd)
	cat.AddCommand(&cobra.Command{
		Use:   "list [unit]",
		Short: "List units, or one unit's requirements",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if len(args) == 0 {
					units, err := rt.Engine.Repo.ListUnits(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(units)
					}
					tw := newTable(table.Row{"Unit", "Requirements", "By category"})
					for _, u := range units {
						tw.AppendRow(table.Row{u.UnitCode, u.Total, formatCounts(u.ByCategory)})
					}
					tw.Render()
					return nil
				}
				reqs, err := rt.Engine.Repo.ListRequirements(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := newTable(table.Row{"Category", "Number", "Parent", "Text"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.Category, r.Number, deref(r.ParentNumber), truncate(r.Text, 70)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cat
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{Use: "outbox", Short: "Inspect and drain the event outbox"}
	var once bool
	dispatch := &cobra.Command{
		Use:   "dispatch",
		Short: "Publish pending events to handlers and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if !once {
					if err := rt.Start(ctx); err != nil {
						return err
					}
					rt.Wait()
					return nil
				}
				rt.Dispatcher.Handle(events.TypeSessionReady, func(ctx context.Context, evt domain.Event) error {
					_, err := rt.Engine.RunValidation(ctx, evt.SessionID)
					if errors.Is(err, engine.ErrRunInProgress) || errors.Is(err, engine.ErrInvalidState) {
						return nil
					}
					return err
				})
				stats, err := rt.Dispatcher.DispatchOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				printOK(fmt.Sprintf("published %d, failed %d, dead-lettered %d", stats.Published, stats.Failed, stats.DeadLettered))
				return nil
			})
		},
	}
	dispatch.Flags().BoolVar(&once, "once", false, "publish one batch, running ready sessions inline, and exit")
	ob.AddCommand(dispatch)
	ob.AddCommand(&cobra.Command{
		Use:   "requeue <event-id>",
		Short: "Give a dead-lettered event another round of attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Repo.RequeueEvent(ctx, id); err != nil {
					return err
				}
				printOK(fmt.Sprintf("event %d requeued", id))
				return nil
			})
		},
	})
	return ob
}

func tokenCmd() *cobra.Command {
	var subject string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token with ASSESSLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. portal or indexer")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "limit the token to scopes (sessions, indexer)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	return cmd
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		APIKey:     viper.GetString("anthropic-api-key"),
	})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func remote() *assesslinesdk.Client {
	addr := viper.GetString("server")
	if addr == "" {
		return nil
	}
	c := assesslinesdk.New(addr)
	c.BearerToken = viper.GetString("token")
	return c
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOK(msg string) {
	fmt.Printf("%s %s\n", color.GreenString("✓"), msg)
}

func colorStatus(status string) string {
	switch status {
	case "completed", "met", "succeeded":
		return color.GreenString(status)
	case "failed", "not_met", "timeout":
		return color.RedString(status)
	case "validating_in_background", "processing":
		return color.CyanString(status)
	default:
		return color.YellowString(status)
	}
}

func formatCounts(m map[string]int) string {
	var parts []string
	for _, c := range []string{"knowledge_evidence", "performance_evidence", "foundation_skills", "elements_criteria", "assessment_conditions"} {
		if n := m[c]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", c, n))
		}
	}
	return strings.Join(parts, " ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

