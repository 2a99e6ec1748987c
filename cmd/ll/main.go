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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lootline/internal/app"
	"lootline/internal/config"
	"lootline/internal/db"
	"lootline/internal/events"
	"lootline/internal/ledger"
	"lootline/internal/migrate"
	"lootline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Lootline CLI",
	Long: `Lootline races managed looters to claim scarce mining sessions.
It polls the game for open mines, matches them against eligible teams
(faction advantage first), opens a captcha challenge per match, and once a
human delivers the proof it records a commitment and drives the on-chain
attack to a terminal state. State lives in the .lootline workspace database;
challenges are in-memory and served over the HTTP API.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LOOTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(lootersCmd())
	rootCmd.AddCommand(commitmentsCmd())
	rootCmd.AddCommand(logCmd())
}

func runCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.StartNotifier(ctx)

			orch := a.Orchestrator()
			errCh := make(chan error, 1)
			go func() {
				errCh <- orch.Run(ctx)
			}()

			srvCfg := a.ServerConfig(os.Getenv("LOOTLINE_JWT_SECRET"))
			srvCfg.BasePath = basePath
			handler, err := server.New(srvCfg)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Lootline running on http://%s%s (widget at /widget, docs at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator API without running the matching loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Executor.Load(cmd.Context()); err != nil {
				return err
			}

			srvCfg := a.ServerConfig(os.Getenv("LOOTLINE_JWT_SECRET"))
			srvCfg.BasePath = basePath
			handler, err := server.New(srvCfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Lootline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show commitment counts and configured looters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, repo ledger.Repo, _ events.Reader, cfg *config.Config) error {
				all, err := repo.List(ctx, 0)
				if err != nil {
					return err
				}
				counts := map[string]int{}
				for _, c := range all {
					counts[string(c.Status)]++
				}
				out := map[string]any{
					"looters":     len(cfg.Looters),
					"commitments": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Looters: %d\n", len(cfg.Looters))
				fmt.Println("Commitments:")
				for _, status := range []string{"pending", "executed", "timed_out"} {
					fmt.Printf("  %s: %d\n", status, counts[status])
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage lootline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter lootline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func lootersCmd() *cobra.Command {
	looters := &cobra.Command{
		Use:   "looters",
		Short: "Managed looters",
	}
	looters.AddCommand(lootersListCmd())
	return looters
}

func lootersListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured looters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, repo ledger.Repo, _ events.Reader, cfg *config.Config) error {
				if viper.GetBool("json") {
					return printJSON(cfg.Looters)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Address", "Name", "Teams", "Pending"})
				for _, l := range cfg.Looters {
					pending, err := repo.CountPendingForLooter(ctx, l.Address)
					if err != nil {
						return err
					}
					teams := make([]string, 0, len(l.Teams))
					for _, id := range l.Teams {
						teams = append(teams, fmt.Sprint(id))
					}
					tw.AppendRow(table.Row{l.Address, l.Name, strings.Join(teams, ","), pending})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func commitmentsCmd() *cobra.Command {
	cm := &cobra.Command{
		Use:   "commitments",
		Short: "Commitment ledger",
	}
	cm.AddCommand(commitmentsListCmd())
	return cm
}

func commitmentsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commitments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, repo ledger.Repo, _ events.Reader, _ *config.Config) error {
				items, err := repo.List(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Mine", "Team", "Looter", "Status", "Tx", "Expires"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.MineID, c.TeamID, c.LooterAddress, c.Status, c.TxHash, c.ExpireAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 50, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, _ ledger.Repo, reader events.Reader, _ *config.Config) error {
				items, err := reader.Latest(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, fmt.Sprintf("%s/%s", e.EntityKind, e.EntityID), e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func withDB(ctx context.Context, fn func(context.Context, ledger.Repo, events.Reader, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, ledger.Repo{DB: conn}, events.Reader{DB: conn}, cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
