package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"timelock/internal/app"
	"timelock/internal/config"
	"timelock/internal/db"
	"timelock/internal/domain"
	"timelock/internal/engine"
	"timelock/internal/migrate"
	"timelock/internal/repo"
	"timelock/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tlk",
	Short: "Timelock CLI",
	Long: `Timelock delays command execution behind a public queue.
Core concepts:
- Command: a full invocation (target, value, signature, data) plus an execution window; its identity is the hash of all of it.
- Queue: announce a command now, execute it later; anyone watching the queue sees what is coming.
- Window: execution is only valid between from and to (inclusive); expired commands must be cancelled and requeued.
- Cancel: returns a queued command to unqueued; the same command can be queued again. Executed commands are final.
- Emergency registry: pre-approved (target, signature) pairs that skip the queue entirely; the registry itself only changes through queued self-targeted commands.
- Roles: proposer queues and cancels, executor executes, emergency fires registered calls, admin manages keys and roles.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("TIMELOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(emergencyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(serveCmd())
}

type descriptorFlags struct {
	Target     string
	Value      uint64
	Signature  string
	Data       string
	DataBase64 string
	From       int64
	To         int64
}

func (f *descriptorFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Target, "target", "", "target URL, or the engine identity for self calls")
	cmd.Flags().Uint64Var(&f.Value, "value", 0, "value forwarded with the call")
	cmd.Flags().StringVar(&f.Signature, "signature", "", "function signature")
	cmd.Flags().StringVar(&f.Data, "data", "", "call data (raw string)")
	cmd.Flags().StringVar(&f.DataBase64, "data-base64", "", "call data (base64, overrides --data)")
	cmd.Flags().Int64Var(&f.From, "from", 0, "window open (unix seconds)")
	cmd.Flags().Int64Var(&f.To, "to", 0, "window close (unix seconds)")
	_ = cmd.MarkFlagRequired("target")
}

func (f *descriptorFlags) descriptor() (domain.Descriptor, error) {
	data := []byte(f.Data)
	if f.DataBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(f.DataBase64)
		if err != nil {
			return domain.Descriptor{}, fmt.Errorf("invalid --data-base64: %w", err)
		}
		data = decoded
	}
	if len(data) == 0 {
		data = nil
	}
	return domain.Descriptor{
		Target:     f.Target,
		Value:      f.Value,
		Signature:  f.Signature,
		Data:       data,
		WindowFrom: f.From,
		WindowTo:   f.To,
	}, nil
}

func commandCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Queue, execute, and inspect delayed commands",
	}
	cmd.AddCommand(commandQueueCmd())
	cmd.AddCommand(commandExecuteCmd())
	cmd.AddCommand(commandCancelCmd())
	cmd.AddCommand(commandShowCmd())
	cmd.AddCommand(commandListCmd())
	cmd.AddCommand(commandDeriveCmd())
	return cmd
}

func commandQueueCmd() *cobra.Command {
	var f descriptorFlags
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue a command for delayed execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := f.descriptor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Queue(ctx, d, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func commandExecuteCmd() *cobra.Command {
	var f descriptorFlags
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a queued command (requires the full descriptor)",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := f.descriptor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, result, err := e.Execute(ctx, d, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := map[string]any{"command": c}
				if len(result) > 0 {
					out["result"] = string(result)
				}
				return printJSONOrTable(out)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func commandCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func commandShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCommand(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func commandListCmd() *cobra.Command {
	var status, target string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCommands(ctx, repo.CommandFilters{
					Status: status,
					Target: target,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Target", "Signature", "Status", "From", "To"})
				for _, c := range items {
					tw.AppendRow(table.Row{shortID(c.ID), c.Target, c.Signature, c.Status, c.WindowFrom, c.WindowTo})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (unqueued, queued, executed)")
	cmd.Flags().StringVar(&target, "target", "", "target filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max commands")
	return cmd
}

func commandDeriveCmd() *cobra.Command {
	var f descriptorFlags
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive the identifier for a descriptor without queueing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := f.descriptor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(map[string]string{"id": e.Derive(d)})
			})
		},
	}
	f.register(cmd)
	return cmd
}

func emergencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Execute and inspect registered emergency calls",
		Long:  "Emergency calls skip the queue and the window, but only for (target, signature) pairs the engine previously approved through its own delayed self calls.",
	}
	cmd.AddCommand(emergencyExecCmd())
	cmd.AddCommand(emergencyCheckCmd())
	cmd.AddCommand(emergencyListCmd())
	return cmd
}

func emergencyExecCmd() *cobra.Command {
	var f descriptorFlags
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute a registered emergency call immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := f.descriptor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				result, err := e.ExecuteEmergency(ctx, d.Target, d.Value, d.Signature, d.Data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := map[string]any{"status": "executed"}
				if len(result) > 0 {
					out["result"] = string(result)
				}
				return printJSONOrTable(out)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func emergencyCheckCmd() *cobra.Command {
	var target, signature string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a (target, signature) pair is registered",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ok, err := e.IsEmergencyRegistered(ctx, target, signature)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"target":     target,
					"signature":  signature,
					"registered": ok,
				})
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target")
	cmd.Flags().StringVar(&signature, "signature", "", "function signature")
	return cmd
}

func emergencyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered emergency calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListEmergency(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Target", "Signature", "Registered At", "Registered By"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Target, e.Signature, e.RegisteredAt, e.RegisteredBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default timelock.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(identity)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "timelock", "engine self identity")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (command, emergency)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id := uuid.NewString()
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      id,
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": id, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "for", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created At"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "for", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage role grants",
	}
	cmd.AddCommand(roleGrantCmd())
	cmd.AddCommand(roleRevokeCmd())
	cmd.AddCommand(roleListCmd())
	return cmd
}

func roleGrantCmd() *cobra.Command {
	var actorID, roleID string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || roleID == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
					return err
				}
				if err := r.AssignRole(ctx, tx, actorID, roleID); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&roleID, "role", "", "role id (proposer, executor, emergency, admin)")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var actorID, roleID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || roleID == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.RevokeRole(ctx, tx, actorID, roleID); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&roleID, "role", "", "role id")
	return cmd
}

func roleListCmd() *cobra.Command {
	var roleID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List role grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				grants, err := r.ListRoleGrants(ctx, roleID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Role"})
				for _, g := range grants {
					tw.AppendRow(table.Row{g.ActorID, g.RoleID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&roleID, "role", "", "role filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := app.SeedRoles(cmd.Context(), e.Repo, cfg); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TIMELOCK_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TIMELOCK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Timelock API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if err := app.SeedRoles(ctx, e.Repo, cfg); err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
