package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"warden/internal/app"
	"warden/internal/config"
	"warden/internal/db"
	"warden/internal/ledger"
	"warden/internal/sandbox"
	"warden/internal/server"
	wardensdk "warden/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden CLI",
	Long: `Warden issues ephemeral scoped credentials to agents, supervises their
sandboxed lifecycle, and keeps a tamper-evident audit ledger.

- Tokens: short-lived signed credentials with role-scoped permissions;
  revoking one revokes every token issued under it.
- Agents: sandboxed workloads bound to a token, watched by a monitoring
  loop that suspends idle agents and terminates expired or over-limit ones.
- Audit: every mint, revoke, spawn and terminate lands in a hash-chained
  ledger; 'warden audit verify' proves nothing was edited after the fact.

Token and agent commands talk to a running 'warden serve'; audit and
config commands read the workspace directly.`,
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
	viper.SetEnvPrefix("WARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier for audit entries")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8420", "warden API base URL")
	rootCmd.PersistentFlags().String("bearer", "", "bearer token for API calls (env WARDEN_BEARER)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("bearer", rootCmd.PersistentFlags().Lookup("bearer"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath, logLevel string
	var fakeSandbox bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Warden API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(logLevel)
			slog.SetDefault(logger)

			var runtime sandbox.Runtime
			if fakeSandbox {
				runtime = sandbox.NewFake()
			} else {
				return fmt.Errorf("no external sandbox runtime is configured; run with --fake-sandbox")
			}
			a, err := app.Build(app.Options{
				Workspace: viper.GetString("workspace"),
				Logger:    logger,
				Runtime:   runtime,
			})
			if err != nil {
				return err
			}

			operatorSecret := os.Getenv("WARDEN_OPERATOR_SECRET")
			if operatorSecret == "" {
				a.Close()
				return fmt.Errorf("WARDEN_OPERATOR_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Authority:    a.Authority,
				Orchestrator: a.Orchestrator,
				Ledger:       a.Ledger,
				BasePath:     basePath,
				Auth:         server.AuthConfig{OperatorSecret: operatorSecret, Logger: logger},
			})
			if err != nil {
				a.Close()
				return err
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
				if err := a.Shutdown(ctx); err != nil {
					logger.Error("shutdown", "error", err)
				}
			}()
			logger.Info("serving warden api", "addr", addr, "base_path", basePath)
			fmt.Printf("Serving Warden API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.Flags().BoolVar(&fakeSandbox, "fake-sandbox", true, "run agents in the embedded in-memory sandbox runtime")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Mint, inspect, validate and revoke tokens"}
	tok.AddCommand(tokenMintCmd())
	tok.AddCommand(tokenShowCmd())
	tok.AddCommand(tokenValidateCmd())
	tok.AddCommand(tokenRevokeCmd())
	return tok
}

func tokenMintCmd() *cobra.Command {
	var role, tenant, reason, parent string
	var ttl int
	var scopes []string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint an ephemeral token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || tenant == "" {
				return fmt.Errorf("--role and --tenant required")
			}
			token, err := apiClient().MintToken(cmd.Context(), role, tenant, ttl, scopes, reason, parent)
			if err != nil {
				return err
			}
			return printJSONOrTable(token)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().IntVar(&ttl, "ttl", 30, "ttl in minutes")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "requested scope (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "", "mint reason")
	cmd.Flags().StringVar(&parent, "parent", "", "parent token id")
	return cmd
}

func tokenShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <token-id>",
		Short: "Show token status and lineage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := apiClient().GetToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(status)
		},
	}
	return cmd
}

func tokenValidateCmd() *cobra.Command {
	var signed string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a signed token value",
		RunE: func(cmd *cobra.Command, args []string) error {
			if signed == "" {
				return fmt.Errorf("--signed-value required")
			}
			result, err := apiClient().ValidateToken(cmd.Context(), signed)
			if err != nil {
				return err
			}
			return printJSONOrTable(result)
		},
	}
	cmd.Flags().StringVar(&signed, "signed-value", "", "signed credential to validate")
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a token and all its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := apiClient().RevokeToken(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSONOrTable(result)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator_action", "revocation reason")
	return cmd
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Spawn and supervise agents"}
	ag.AddCommand(agentSpawnCmd())
	ag.AddCommand(agentListCmd())
	ag.AddCommand(agentStatusCmd())
	ag.AddCommand(agentTerminateCmd())
	ag.AddCommand(agentSuspendCmd())
	ag.AddCommand(agentResumeCmd())
	ag.AddCommand(agentCleanupCmd())
	return ag
}

func agentSpawnCmd() *cobra.Command {
	var role, tenant string
	var scopes []string
	var cpu float64
	var memory int64
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || tenant == "" {
				return fmt.Errorf("--role and --tenant required")
			}
			var limits *wardensdk.ResourceLimits
			if cpu > 0 || memory > 0 {
				limits = &wardensdk.ResourceLimits{CPUCores: cpu, MemoryBytes: memory}
			}
			agent, err := apiClient().SpawnAgent(cmd.Context(), role, tenant, scopes, limits)
			if err != nil {
				return err
			}
			return printJSONOrTable(agent)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "requested scope (repeatable)")
	cmd.Flags().Float64Var(&cpu, "cpu", 0, "cpu core limit (0 = role default)")
	cmd.Flags().Int64Var(&memory, "memory", 0, "memory limit in bytes (0 = role default)")
	return cmd
}

func agentListCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := apiClient().ListAgents(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(agents)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Agent", "Tenant", "Role", "Status", "Health", "CPU%", "Mem%", "Started"})
			for _, a := range agents {
				tw.AppendRow(table.Row{
					a.AgentID, a.TenantID, a.Role, a.Status, a.HealthStatus,
					fmt.Sprintf("%.1f", a.CPUUsagePct),
					fmt.Sprintf("%.1f", a.MemoryUsagePct),
					a.StartedAt,
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant id")
	return cmd
}

func agentStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := apiClient().GetAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(agent)
		},
	}
	return cmd
}

func agentTerminateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <agent-id>",
		Short: "Terminate an agent and revoke its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := apiClient().TerminateAgent(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSONOrTable(agent)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator_action", "termination reason")
	return cmd
}

func agentSuspendCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "suspend <agent-id>",
		Short: "Pause an agent's sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := apiClient().SuspendAgent(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSONOrTable(agent)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator_action", "suspension reason")
	return cmd
}

func agentResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <agent-id>",
		Short: "Unpause a suspended agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := apiClient().ResumeAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(agent)
		},
	}
	return cmd
}

func agentCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned sandboxes and revoke orphaned tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := apiClient().CleanupOrphans(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(report)
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Verify, export and inspect the audit ledger"}
	aud.AddCommand(auditVerifyCmd())
	aud.AddCommand(auditExportCmd())
	aud.AddCommand(auditTailCmd())
	aud.AddCommand(auditStatsCmd())
	return aud
}

func auditVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the full audit chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led *ledger.Ledger) error {
				result, err := led.Verify(ctx)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(result); err != nil {
					return err
				}
				if result.Status != "OK" {
					return ledger.ChainIntegrityError{Errors: result.Errors}
				}
				return nil
			})
		},
	}
	return cmd
}

func auditExportCmd() *cobra.Command {
	var requestID, tenantID, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit entries with a fresh verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led *ledger.Ledger) error {
				pkg, err := led.Export(ctx, requestID, tenantID)
				if err != nil {
					return err
				}
				if out != "" {
					data, err := json.MarshalIndent(pkg, "", "  ")
					if err != nil {
						return err
					}
					if err := os.WriteFile(out, data, 0o644); err != nil {
						return err
					}
					fmt.Printf("wrote %d entries to %s (verification: %s)\n", pkg.EntryCount, out, pkg.Verification.Status)
					return nil
				}
				return printJSON(pkg)
			})
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "filter by request id")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "filter by tenant id")
	cmd.Flags().StringVar(&out, "out", "", "write package to file instead of stdout")
	return cmd
}

func auditTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led *ledger.Ledger) error {
				entries, err := led.Tail(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Event", "Resource", "Actor", "Request"})
				for _, e := range entries {
					tw.AppendRow(table.Row{
						e.Timestamp, e.EventType,
						e.ResourceType + ":" + e.ResourceID,
						e.Actor, e.RequestID,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func auditStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Audit ledger statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, led *ledger.Ledger) error {
				stats, err := led.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default warden.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfg
}

func apiClient() *wardensdk.Client {
	c := wardensdk.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("bearer")
	return c
}

func withLedger(ctx context.Context, fn func(context.Context, *ledger.Ledger) error) error {
	led, closeFn, err := app.OpenLedger(viper.GetString("workspace"), slog.Default())
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, led)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
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
