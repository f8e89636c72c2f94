package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mcpplane/internal/domain"
	"mcpplane/internal/engine"
	"mcpplane/internal/repo"
	"mcpplane/internal/server"
	"mcpplane/internal/validate"
	mcpplanesdk "mcpplane/sdk/go"
)

func installCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Manage module installations",
	}
	cmd.AddCommand(installCreateCmd())
	cmd.AddCommand(installListCmd())
	cmd.AddCommand(installActivateCmd())
	cmd.AddCommand(installUninstallCmd())
	return cmd
}

func installCreateCmd() *cobra.Command {
	var opts engine.InstallOptions
	var cfgJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a module installation for a customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cfgJSON != "" {
				if err := json.Unmarshal([]byte(cfgJSON), &opts.Config); err != nil {
					return fmt.Errorf("--config-json must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.Install(ctx, opts)
				if err != nil {
					return err
				}
				return printInstallations([]domain.Installation{in})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "installation id (generated when empty)")
	cmd.Flags().StringVar(&opts.EngagementID, "engagement-id", "", "engagement id")
	cmd.Flags().StringVar(&opts.ModuleID, "module-id", "", "module id")
	cmd.Flags().StringVar(&opts.CustomerID, "customer-id", "", "customer id")
	cmd.Flags().StringVar(&opts.ExpertID, "expert-id", "", "expert id")
	cmd.Flags().StringSliceVar(&opts.Features, "feature", nil, "enabled feature (repeatable)")
	cmd.Flags().StringVar(&cfgJSON, "config-json", "", "module config as a JSON object")
	return cmd
}

func installListCmd() *cobra.Command {
	var f repo.InstallationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInstallations(ctx, f)
				if err != nil {
					return err
				}
				return printInstallations(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.CustomerID, "customer-id", "", "customer filter")
	cmd.Flags().StringVar(&f.EngagementID, "engagement-id", "", "engagement filter")
	cmd.Flags().StringVar(&f.ExpertID, "expert-id", "", "expert filter")
	cmd.Flags().StringVar(&f.ModuleID, "module-id", "", "module filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func installActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Mark an installation active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.MarkActivated(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printInstallations([]domain.Installation{in})
			})
		},
	}
}

func installUninstallCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Uninstall a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.Uninstall(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printInstallations([]domain.Installation{in})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "uninstall reason")
	return cmd
}

func printInstallations(items []domain.Installation) error {
	return printJSONOrTable(items, func() {
		tw := newTable("ID", "Customer", "Module", "Status", "Health", "Automation", "Requests", "Cost (month)")
		for _, in := range items {
			tw.AppendRow(table.Row{
				in.ID,
				in.CustomerID,
				in.ModuleID,
				in.Status,
				in.HealthScore,
				fmt.Sprintf("%.0f%%", in.AutomationRate*100),
				humanize.Comma(in.TotalRequests),
				fmt.Sprintf("$%s", humanize.CommafWithDigits(float64(in.MonthlyCostCents)/100, 2)),
			})
		}
		tw.Render()
	})
}

func validateCmd() *cobra.Command {
	var manifest string
	cmd := &cobra.Command{
		Use:   "validate <build-dir>",
		Short: "Run the pre-deployment checks against a build directory",
		Long: `validate runs every build check and prints a report. It exits 0 when the
build may be deployed (warnings allowed) and 1 when any check failed.`,
		Args: cobra.ExactArgs(1),
		// Works outside a workspace.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifest == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				manifest = cfg.Deployment.Manifest
			}
			var (
				m   *validate.Manifest
				err error
			)
			if manifest == "" {
				m, err = validate.DefaultManifest()
			} else {
				m, err = validate.LoadManifest(manifest)
			}
			if err != nil {
				return err
			}
			report := validate.New(m).Run(cmd.Context(), args[0])
			if viper.GetBool("json") {
				if err := report.WriteJSON(os.Stdout); err != nil {
					return err
				}
			} else {
				report.WriteTable(os.Stdout)
			}
			if code := report.ExitCode(); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "validation manifest (defaults to deployment.manifest)")
	return cmd
}

func deployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Start and follow deployments on a running server",
	}
	cmd.AddCommand(deployStartCmd())
	cmd.AddCommand(deployWatchCmd())
	return cmd
}

func deployStartCmd() *cobra.Command {
	var buildDir string
	var watch bool
	cmd := &cobra.Command{
		Use:   "start <customer-id>",
		Short: "Validate the customer's build and start a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := remoteClient()
			if err := c.StartDeployment(cmd.Context(), args[0], buildDir); err != nil {
				return err
			}
			if !watch {
				fmt.Println("deployment started for", args[0])
				return nil
			}
			return watchDeployment(cmd.Context(), c, args[0])
		},
	}
	cmd.Flags().StringVar(&buildDir, "build-dir", "", "build directory under deployment.build_root")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow progress until the deployment finishes")
	return cmd
}

func deployWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <customer-id>",
		Short: "Follow a deployment's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchDeployment(cmd.Context(), remoteClient(), args[0])
		},
	}
}

func watchDeployment(ctx context.Context, c *mcpplanesdk.Client, customerID string) error {
	var last mcpplanesdk.ProgressEvent
	err := c.WatchDeployment(ctx, customerID, func(ev mcpplanesdk.ProgressEvent) error {
		last = ev
		if viper.GetBool("json") {
			return json.NewEncoder(os.Stdout).Encode(ev)
		}
		flag := ""
		if ev.Stalled {
			flag = " (stalled)"
		}
		fmt.Printf("[%3d%%] %-18s %s%s\n", ev.Progress, ev.Step, ev.Message, flag)
		return nil
	})
	if err != nil {
		return err
	}
	if last.Failed() {
		return exitError{code: 1}
	}
	return nil
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, actor, name, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": plain})
				}
				fmt.Printf("id:   %s\nrole: %s\nkey:  %s\n", key.ID, key.Role, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringVar(&role, "role", "agent", "role granted to the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys, func() {
					tw := newTable("ID", "Actor", "Name", "Role", "Created")
					for _, k := range keys {
						tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Role, k.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue bearer tokens",
	}
	var actor string
	var roles []string
	sign := &cobra.Command{
		Use:   "sign",
		Short: "Sign a JWT with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			for _, r := range roles {
				if _, ok := cfg.Auth.Roles[r]; !ok {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			tok, err := server.SignToken(cfg.Auth.JWTSecret, actor, roles)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	sign.Flags().StringVar(&actor, "actor", "", "token subject (defaults to --actor-id)")
	sign.Flags().StringSliceVar(&roles, "role", []string{"viewer"}, "role claim (repeatable)")
	cmd.AddCommand(sign)
	return cmd
}
